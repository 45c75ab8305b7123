package application

// Signal is a level-triggered wake-up: any number of Notify calls before the waiter
// reads collapse into one pending wake.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

func (s *Signal) Notify() {
	if s == nil {
		return
	}
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the wake channel. A nil Signal yields a nil channel, which never fires.
func (s *Signal) C() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.ch
}
