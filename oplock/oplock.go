// Package oplock serializes machine-level operations such as running a program, probing or alarm
// recovery, so only one of them drives the controller at a time.
package oplock

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyRunning is returned when another operation holds the lock.
var ErrAlreadyRunning = errors.New("oplock: operation already running")

type Lock struct {
	mu     sync.Mutex
	holder string
}

// TryAcquire takes the lock for the named operation without blocking. The returned release
// function is idempotent.
func (l *Lock) TryAcquire(name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, l.holder)
	}
	l.holder = name
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.holder = ""
		})
	}, nil
}

// Holder returns the name of the operation holding the lock, or "".
func (l *Lock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
