package driven

import "context"

// Locker provides mutual exclusion per key across every process sharing the
// backing store. Implementations must free keys held by crashed processes.
type Locker interface {
	// Acquire blocks until key is held or the implementation's bounded wait
	// elapses, in which case it returns model.ErrLockContention.
	Acquire(ctx context.Context, key string) (Lock, error)
}

// Lock is a held key.
type Lock interface {
	// Release frees the key. It is safe to call more than once.
	Release(ctx context.Context) error

	// Lost is closed when the key was taken from this holder while held. A
	// nil channel means the implementation cannot lose a held key.
	Lost() <-chan struct{}
}
