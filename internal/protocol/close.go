package protocol

// Close codes observed on the campaign socket.
const (
	CodeNormalClosure   = 1000
	CodeGoingAway       = 1001
	CodeAbnormalClosure = 1006

	CodeAuthExpired = 4401
	CodeForbidden   = 4403
	CodeNotFound    = 4404
	CodeSuperseded  = 4409
)

// SupersededReason accompanies CodeSuperseded when a newer connection for
// the same campaign has taken over.
const SupersededReason = "superseded"

// CloseClass is what the client should do after a close.
type CloseClass int

const (
	// CloseRetryable schedules a reconnect with backoff.
	CloseRetryable CloseClass = iota
	// CloseNormal stops without retrying; the peer closed on purpose.
	CloseNormal
	// CloseAuthExpired refreshes the credential once and reconnects.
	CloseAuthExpired
	// ClosePermanent stops retrying for good.
	ClosePermanent
	// CloseSuperseded stops silently; another connection owns the session.
	CloseSuperseded
)

func (c CloseClass) String() string {
	switch c {
	case CloseRetryable:
		return "retryable"
	case CloseNormal:
		return "normal"
	case CloseAuthExpired:
		return "auth_expired"
	case ClosePermanent:
		return "permanent"
	case CloseSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Terminal reports whether no reconnect should follow without outside help.
func (c CloseClass) Terminal() bool {
	return c == CloseNormal || c == ClosePermanent || c == CloseSuperseded
}

// ClassifyClose maps a close code and reason onto the action to take.
func ClassifyClose(code int, reason string) CloseClass {
	switch code {
	case CodeNormalClosure:
		return CloseNormal
	case CodeAuthExpired:
		return CloseAuthExpired
	case CodeForbidden, CodeNotFound:
		return ClosePermanent
	case CodeSuperseded:
		if reason == SupersededReason {
			return CloseSuperseded
		}
		return CloseRetryable
	default:
		return CloseRetryable
	}
}
