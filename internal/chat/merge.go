package chat

import "slices"

// Merge combines the optimistic local timeline with the authoritative backend
// list and returns one ordered, duplicate-free timeline.
//
// Each local message is matched to a backend message by server id, falling
// back to timestamp. Matched entries are replaced by the backend copy, and a
// backend entry is consumed at most once. Unmatched local-only messages are
// kept; unmatched confirmed messages are dropped as stale. A local-only
// message whose counterpart an earlier local message already consumed is
// dropped as a duplicate. Backend messages that matched nothing are appended. The result is sorted by timestamp with
// unparseable timestamps first.
//
// An empty backend list carries no information, so the local timeline is
// returned sorted with nothing dropped.
func Merge(local, backend []Message) []Message {
	if len(backend) == 0 {
		out := Clone(local)
		sortByTime(out)
		return out
	}

	byID := make(map[string]int, len(backend))
	byTS := make(map[string][]int, len(backend))
	for i, m := range backend {
		if m.ServerMessageID != "" {
			if _, dup := byID[m.ServerMessageID]; !dup {
				byID[m.ServerMessageID] = i
			}
		}
		if m.Timestamp != "" {
			byTS[m.Timestamp] = append(byTS[m.Timestamp], i)
		}
	}

	consumed := make([]bool, len(backend))
	out := make([]Message, 0, len(local)+len(backend))

	for _, lm := range local {
		idx, found := match(lm, byID, byTS, consumed)
		if found {
			consumed[idx] = true
			out = append(out, confirm(lm, backend[idx]))
			continue
		}
		if lm.IsLocal && !hasCounterpart(lm, byID, byTS) {
			out = append(out, lm)
		}
	}

	for i, bm := range backend {
		if !consumed[i] {
			bm.IsLocal = false
			out = append(out, bm)
		}
	}

	out = Clone(out)
	sortByTime(out)
	return out
}

// match finds an unconsumed backend counterpart for lm. A known server id
// never falls back to timestamp matching.
func match(lm Message, byID map[string]int, byTS map[string][]int, consumed []bool) (int, bool) {
	if lm.ServerMessageID != "" {
		if i, ok := byID[lm.ServerMessageID]; ok {
			return i, !consumed[i]
		}
	}
	for _, i := range byTS[lm.Timestamp] {
		if !consumed[i] {
			return i, true
		}
	}
	return 0, false
}

// hasCounterpart reports whether lm matches any backend entry. Called after
// match failed, so a true result means the counterpart was already claimed
// by an earlier local message and lm is a duplicate.
func hasCounterpart(lm Message, byID map[string]int, byTS map[string][]int) bool {
	if lm.ServerMessageID != "" {
		if _, ok := byID[lm.ServerMessageID]; ok {
			return true
		}
	}
	return len(byTS[lm.Timestamp]) > 0
}

// confirm returns the backend copy of a message, carrying over the local id
// and one-way flags from the local copy.
func confirm(lm, bm Message) Message {
	bm.IsLocal = false
	if bm.LocalID == "" {
		bm.LocalID = lm.LocalID
	}
	if lm.HasAudio {
		bm.HasAudio = true
	}
	return bm
}

func sortByTime(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return a.Time().Compare(b.Time())
	})
}
