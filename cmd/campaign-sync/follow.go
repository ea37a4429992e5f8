package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/whisper/campaign-sync/internal/audio"
	"github.com/whisper/campaign-sync/internal/config"
	"github.com/whisper/campaign-sync/internal/engine"
	"github.com/whisper/campaign-sync/internal/history"
	"github.com/whisper/campaign-sync/internal/logging"
	"github.com/whisper/campaign-sync/internal/messaging"
	"github.com/whisper/campaign-sync/internal/metrics"
	"github.com/whisper/campaign-sync/internal/session"
	"github.com/whisper/campaign-sync/internal/ws"
)

var (
	awaitNarrative bool
	readInput      bool
	dialTimeout    time.Duration
)

var followCmd = &cobra.Command{
	Use:   "follow <campaign-id>",
	Short: "Render a live campaign session",
	Long: `Connect to a campaign and redraw it whenever it changes.

With --input, each line typed on stdin is sent as a player action.
"/dismiss" clears the current suggestion and error banner, "/quit" exits.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closeLog, err := logging.New(logging.Options{
			Level:      cfg.Log.Level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return follow(ctx, cfg, logger, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	followCmd.Flags().BoolVar(&awaitNarrative, "await-narrative", false, "Wait for the opening narrative of a new campaign")
	followCmd.Flags().BoolVarP(&readInput, "input", "i", false, "Send lines typed on stdin as player actions")
	followCmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "Socket connect and handshake timeout")
	rootCmd.AddCommand(followCmd)
}

// console serializes writes from the renderer and the audio player.
type console struct {
	mu   sync.Mutex
	out  io.Writer
	last string
}

func (c *console) frame(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == c.last {
		return
	}
	c.last = s
	fmt.Fprint(c.out, "\033[H\033[2J"+s)
}

func (c *console) line(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

func follow(ctx context.Context, cfg config.Config, logger *zap.Logger, campaignID string, in io.Reader, out io.Writer) error {
	con := &console{out: out}
	creds := cfg.Credentials()

	deps := engine.Deps{
		Socket: cfg.Socket(),
		Dialer: ws.GobwasDialer{Timeout: dialTimeout, WriteTimeout: cfg.Heartbeat.WriteTimeout.Duration},
		Creds:  creds,
		Logger: logger,
		Queue: audio.NewOrderedQueue(func(e audio.Entry) {
			con.line(metaStyle.Render("♪ " + e.URL))
		}),
	}
	deps.History = history.NewClient(cfg.HistoryURL, creds, logger)

	if cfg.Redis.Addr != "" {
		rdb, err := session.NewRedisClient(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		deps.Cache = session.NewRedisCache(rdb, cfg.SessionPrefix(), cfg.Redis.TTL.Duration)
		deps.Queue = audio.NewRedisQueue(rdb, cfg.AudioPrefix(), cfg.Redis.TTL.Duration)
		logger.Info("redis enabled", zap.String("addr", cfg.Redis.Addr))
		watchRedisHealth(ctx, rdb, logger)
	}

	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		nc, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		deps.Notifier = messaging.NewPublisher(nc, cfg.NATS.SubjectPrefix, logger)
	}

	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	e := engine.New(cfg.Engine(), deps)
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	if err := e.SelectSession(ctx, campaignID, engine.SelectOptions{AwaitInitialNarrative: awaitNarrative}); err != nil {
		return err
	}

	if readInput {
		go readActions(ctx, e, in, con, logger)
	}

	for u := range e.Updates() {
		if u.SessionID != campaignID {
			continue
		}
		st, err := e.State(ctx, campaignID)
		if err != nil {
			break
		}
		con.frame(renderState(campaignID, st))
	}

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readActions submits stdin lines until EOF or /quit.
func readActions(ctx context.Context, e *engine.Engine, in io.Reader, con *console, logger *zap.Logger) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		switch text {
		case "":
			continue
		case "/quit":
			e.Stop()
			return
		case "/dismiss":
			_ = e.DismissSuggestion(ctx)
			_ = e.DismissError(ctx)
			continue
		}
		if _, err := e.SubmitMessage(ctx, text); err != nil {
			logger.Debug("submit failed", zap.Error(err))
			con.line(errorStyle.Render("! " + err.Error()))
		}
	}
}

// watchRedisHealth logs when the shared cache stops answering.
func watchRedisHealth(ctx context.Context, rdb *redis.Client, logger *zap.Logger) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				if err := rdb.Ping(pctx).Err(); err != nil {
					logger.Warn("redis unreachable", zap.Error(err))
				}
				cancel()
			}
		}
	}()
}
