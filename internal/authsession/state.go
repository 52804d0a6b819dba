package authsession

// State is a position in the login state machine. Failed is transient and settles in Idle.
type State int

const (
	Idle State = iota
	Authorizing
	AwaitingCallback
	Exchanging
	Authenticated
	Refreshing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authorizing:
		return "authorizing"
	case AwaitingCallback:
		return "awaiting_callback"
	case Exchanging:
		return "exchanging"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
