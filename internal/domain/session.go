package domain

// Phase is the authentication state of a session.
type Phase int

const (
	// PhaseUnknown is the only legal phase at process start.
	PhaseUnknown Phase = iota
	// PhaseVerifying means the initial verification is in flight.
	PhaseVerifying
	// PhaseAuthenticated means a user identity is present.
	PhaseAuthenticated
	// PhaseUnauthenticated means there is no user identity.
	PhaseUnauthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseUnknown:
		return "unknown"
	case PhaseVerifying:
		return "verifying"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseUnauthenticated:
		return "unauthenticated"
	default:
		return "invalid"
	}
}

// Session is a read-only snapshot of authentication state.
type Session struct {
	Token         string
	User          *UserIdentity
	Phase         Phase
	IsInitialized bool
	IsLoading     bool
	LastError     string
}

// Authenticated reports whether a consumer may act on the snapshot as an
// authenticated session. It is false until initialization completes.
func (s Session) Authenticated() bool {
	return s.IsInitialized && s.Phase == PhaseAuthenticated && s.User != nil
}

// ConnectionState is the lifecycle state of the realtime connection.
type ConnectionState int

const (
	ConnIdle ConnectionState = iota
	ConnConnecting
	ConnOpen
	// ConnClosedIntentional is terminal until the next explicit connect.
	ConnClosedIntentional
	// ConnClosedTransient is eligible for reconnection with backoff.
	ConnClosedTransient
)

func (s ConnectionState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosedIntentional:
		return "closed_intentional"
	case ConnClosedTransient:
		return "closed_transient"
	default:
		return "invalid"
	}
}
