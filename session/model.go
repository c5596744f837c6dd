package session

import (
	"time"

	"github.com/Seann-Moser/mailauth/oauth/adapter"
)

// State is one phase of an authorization attempt. Transitions only move
// forward: idle → authenticating → success|error; error returns to
// authenticating on retry, and only an explicit reset or disconnect returns
// to idle.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateSuccess
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Snapshot is the observable state of one provider's authorization attempt.
type Snapshot struct {
	Provider  string             `json:"provider"`
	State     State              `json:"-"`
	StateName string             `json:"state"`
	Progress  int                `json:"progress"` // 0–100, UI feedback only
	StartedAt time.Time          `json:"started_at,omitzero"`
	Err       *adapter.AuthError `json:"-"`
	ErrKind   adapter.Kind       `json:"error_kind,omitempty"`
}
