// Package vault exposes the unlock state of the external key vault. Key
// material and passphrase handling live entirely outside this process; the
// coordinator only ever asks "may I sign right now" before starting work.
package vault

import (
	"errors"
	"sync/atomic"
)

// ErrSessionLocked is returned when an operation is attempted while the
// vault session is locked.
var ErrSessionLocked = errors.New("vault: session locked")

// Session reports whether the signing session is currently unlocked.
type Session interface {
	Unlocked() bool

	// RequireUnlocked fails fast with ErrSessionLocked when the session
	// is locked. Called before any funding or treasury operation starts.
	RequireUnlocked() error
}

// StubSession is a toggleable session for testing and dry runs.
type StubSession struct {
	unlocked atomic.Bool
}

// NewStubSession creates a session in the given state.
func NewStubSession(unlocked bool) *StubSession {
	s := &StubSession{}
	s.unlocked.Store(unlocked)
	return s
}

// Unlock marks the session unlocked.
func (s *StubSession) Unlock() { s.unlocked.Store(true) }

// Lock marks the session locked.
func (s *StubSession) Lock() { s.unlocked.Store(false) }

// Unlocked reports the current state.
func (s *StubSession) Unlocked() bool { return s.unlocked.Load() }

// RequireUnlocked implements Session.
func (s *StubSession) RequireUnlocked() error {
	if !s.unlocked.Load() {
		return ErrSessionLocked
	}
	return nil
}
