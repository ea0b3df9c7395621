// Package interp implements the action-tree interpreter: a cooperative,
// single-logical-thread-per-task executor over the declarative node types
// (play, wait, wait_tag, wait_alarm, sequence, parallel, repeat, goto,
// set_tag, set_volume, ignore/restore_alarms, debug) that a <state> element
// declares.
package interp

import (
	"log/slog"

	"github.com/elektrokapsel/audioplayer/internal/alarms"
	"github.com/elektrokapsel/audioplayer/internal/clipstore"
	"github.com/elektrokapsel/audioplayer/internal/mixer"
	"github.com/elektrokapsel/audioplayer/internal/tagcache"
)

// Env is the set of collaborators every action node needs to execute. It is
// cheap to copy by value; WithGoto returns a copy bound to a different
// transition callback, which is how the state machine scopes goto requests
// to the state currently being entered.
type Env struct {
	Mixer  *mixer.Mixer
	Tags   *tagcache.Cache
	Alarms *alarms.Registry
	Clips  *clipstore.Store
	Logger *slog.Logger

	// RequestGoto posts a state-transition request. It does not itself
	// suspend or cancel anything; the state machine owns cancelling the
	// current state's task set once it observes the request.
	RequestGoto func(stateID string)
}

// WithGoto returns a copy of e bound to fn as the transition callback.
func (e Env) WithGoto(fn func(stateID string)) Env {
	e.RequestGoto = fn
	return e
}
