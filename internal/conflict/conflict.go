// Package conflict implements the pluggable policy invoked when the
// remote rejects a change because its target entity was concurrently
// modified.
//
// Policies are registered by name, so new resolution strategies can be
// added without touching the scheduler: the engine looks up the
// resolver matching the configured conflict_resolution setting and
// acts on the returned decision.
package conflict

import (
	"context"
	"encoding/json"

	"github.com/chairworks/fieldsync/internal/model"
)

// Decision is what the scheduler should do with a conflicted change.
type Decision int

const (
	// AcceptServer discards the local change and accepts server state;
	// the change is marked synced without resubmission.
	AcceptServer Decision = iota

	// Resubmit sends the local change again with the forced-overwrite
	// flag set.
	Resubmit

	// Escalate stores a SyncConflict record holding both payloads and
	// parks the change in the conflict sub-state until a human
	// resolves it.
	Escalate
)

// String returns a human-readable representation of the decision.
func (d Decision) String() string {
	switch d {
	case AcceptServer:
		return "accept_server"
	case Resubmit:
		return "resubmit"
	case Escalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Resolver decides how a single conflicted change is handled.
// serverPayload is the remote's current entity snapshot as returned
// with the conflict response; it may be empty if the backend did not
// include one.
type Resolver interface {
	Resolve(ctx context.Context, change *model.PendingChange, serverPayload json.RawMessage) (Decision, error)
}

type serverWins struct{}

func (serverWins) Resolve(ctx context.Context, change *model.PendingChange, serverPayload json.RawMessage) (Decision, error) {
	return AcceptServer, nil
}

type clientWins struct{}

func (clientWins) Resolve(ctx context.Context, change *model.PendingChange, serverPayload json.RawMessage) (Decision, error) {
	return Resubmit, nil
}

type askUser struct{}

func (askUser) Resolve(ctx context.Context, change *model.PendingChange, serverPayload json.RawMessage) (Decision, error) {
	return Escalate, nil
}

func init() {
	Register("server_wins", func() Resolver { return serverWins{} })
	Register("client_wins", func() Resolver { return clientWins{} })
	Register("ask_user", func() Resolver { return askUser{} })
}
