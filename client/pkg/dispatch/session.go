package dispatch

// State is the client-side view of the session lifecycle.
type State string

const (
	StateClosed  State = "closed"
	StateOpen    State = "open"
	StateExpired State = "expired"
)

// sessionView is the client's record of its server-side session. The id is
// the index of the entry that opened the session; version starts there and
// rises to the index of the last command result, which is what query
// requests carry as their fence.
type sessionView struct {
	id         uint64
	state      State
	sequence   uint64
	version    int64
	eventIndex int64
}

func (s *sessionView) open(id uint64) {
	s.id = id
	s.state = StateOpen
	s.sequence = 0
	s.version = int64(id)
	s.eventIndex = int64(id)
}

func (s *sessionView) nextSequence() uint64 {
	s.sequence++
	return s.sequence
}

func (s *sessionView) observeIndex(index int64) {
	if index > s.version {
		s.version = index
	}
}

// observeEvent records a pushed event, rejecting replays and stale indexes.
func (s *sessionView) observeEvent(index int64) bool {
	if index <= s.eventIndex {
		return false
	}
	s.eventIndex = index
	return true
}
