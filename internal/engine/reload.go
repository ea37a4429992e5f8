package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/campaign-sync/internal/chat"
	"github.com/whisper/campaign-sync/internal/session"
)

func localID() string {
	return uuid.NewString()
}

// reload fetches the authoritative timeline and merges it into the local
// one. The result is applied only if the session is still active and no
// newer reload has started; stream buffers are discarded only if no new
// stream began while the fetch was in flight.
func (e *Engine) reload(id string) {
	if e.history == nil || id != e.active {
		return
	}
	e.reloads[id]++
	gen := e.reloads[id]
	epoch := e.streams.Epoch(id)

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.HistoryTimeout)
	go func() {
		defer cancel()
		msgs, err := e.history.Fetch(ctx, id)
		e.loop.Post(func() { e.reloaded(id, gen, epoch, msgs, err) })
	}()
}

func (e *Engine) reloaded(id string, gen, epoch uint64, backend []chat.Message, err error) {
	log := e.logger.With(zap.String("session_id", id))
	if id != e.active || e.reloads[id] != gen {
		log.Debug("discarding stale history reload")
		return
	}
	if err != nil {
		log.Warn("history reload failed", zap.Error(err))
		return
	}

	e.store.UpdateMessages(id, func(local []chat.Message) []chat.Message {
		return chat.Merge(local, backend)
	})
	e.store.SetNeedsResume(id, session.DeriveNeedsResume(e.needsResponse[id], e.store.Messages(id)))
	e.notify(id, KindMessages)
	e.notify(id, KindFlags)

	if !e.streams.Discard(id, epoch) {
		log.Debug("new stream started during reload, keeping buffers")
	}
	log.Debug("history merged", zap.Int("backend", len(backend)), zap.Int("timeline", len(e.store.Messages(id))))
	e.save(id)
}

// restore loads cached warm state for a session that has none yet. The
// cache result is applied only if the session is still empty by then.
func (e *Engine) restore(id string) {
	if e.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	go func() {
		defer cancel()
		cached, err := e.cache.Load(ctx, id)
		e.loop.Post(func() {
			log := e.logger.With(zap.String("session_id", id))
			if err != nil {
				log.Warn("session cache load failed", zap.Error(err))
				return
			}
			if cached == nil {
				return
			}
			if len(e.store.Messages(id)) > 0 || e.store.View(id).Snapshot != nil {
				log.Debug("session filled before cache answered, ignoring cached state")
				return
			}
			e.store.UpdateMessages(id, func([]chat.Message) []chat.Message { return cached.Messages })
			e.store.ReplaceSnapshot(id, cached.Snapshot)
			e.notify(id, KindMessages)
			e.notify(id, KindSnapshot)
			log.Debug("session restored from cache", zap.Int("messages", len(cached.Messages)))
		})
	}()
}

// save writes the session's state to the cache in the background.
func (e *Engine) save(id string) {
	if e.cache == nil {
		return
	}
	st := e.store.View(id)
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	go func() {
		defer cancel()
		if err := e.cache.Save(ctx, id, st); err != nil {
			e.logger.Warn("session cache save failed", zap.String("session_id", id), zap.Error(err))
		}
	}()
}
