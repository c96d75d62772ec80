package engine

import (
	"time"

	"github.com/mosync/backend/internal/syncerr"
)

// State is the engine's coarse condition.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

// Direction tells which loop is on the wire while syncing.
type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

// Status is the engine's observable condition. LastSuccessAt survives error
// transitions so a UI can show how stale the replica is.
type Status struct {
	State         State
	Direction     Direction
	Err           error
	Code          string
	RetryAt       time.Time
	LastSuccessAt time.Time
}

func statusEqual(a, b Status) bool {
	return a.State == b.State &&
		a.Direction == b.Direction &&
		a.Code == b.Code &&
		a.RetryAt.Equal(b.RetryAt) &&
		a.LastSuccessAt.Equal(b.LastSuccessAt) &&
		errText(a.Err) == errText(b.Err)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Status returns the engine's current condition.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) setSyncing(dir Direction) {
	e.transition(func(s *Status) {
		s.State = StateSyncing
		s.Direction = dir
		s.Err = nil
		s.Code = ""
		s.RetryAt = time.Time{}
	})
}

func (e *Engine) setIdle() {
	now := time.Now()
	e.transition(func(s *Status) {
		s.State = StateIdle
		s.Direction = ""
		s.Err = nil
		s.Code = ""
		s.RetryAt = time.Time{}
		s.LastSuccessAt = now
	})
}

func (e *Engine) setError(err error, retryAt time.Time) {
	e.transition(func(s *Status) {
		s.State = StateError
		s.Direction = ""
		s.Err = err
		s.Code = syncerr.Code(err)
		s.RetryAt = retryAt
	})
}

// transition applies a status mutation and fires the observer outside the
// lock when the visible status changed.
func (e *Engine) transition(mutate func(*Status)) {
	e.mu.Lock()
	prev := e.status
	next := prev
	mutate(&next)
	changed := !statusEqual(prev, next)
	if changed {
		e.status = next
	}
	e.mu.Unlock()

	if changed && e.opts.OnStatus != nil {
		e.opts.OnStatus(next)
	}
}
