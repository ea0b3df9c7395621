// Package statemachine hosts one <state_machine>: a set of named states,
// each a tree of action nodes run by the interpreter, wired together by
// goto transitions. Machines run independently of one another; goto is
// local to its own machine.
package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/elektrokapsel/audioplayer/internal/interp"
)

// State is one declared <state>: an id and its top-level action nodes.
type State struct {
	ID    string
	Nodes []interp.Node
}

// Machine runs a single state machine's states, one at a time, starting
// from the first declared state. Entering a state starts one goroutine per
// top-level node; a goto executed by any of them requests a transition,
// which cancels every task in the current state's set and waits for all of
// them to drain before the next state is entered — so no task belonging to
// the previous state is ever running when the next state's first task
// starts.
type Machine struct {
	ID      string
	states  map[string]*State
	initial string
	env     interp.Env
	logger  *slog.Logger
}

// New creates a Machine over states, in declaration order; the first
// element is the initial state.
func New(id string, states []*State, env interp.Env, logger *slog.Logger) (*Machine, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("state machine %q declares no states", id)
	}
	byID := make(map[string]*State, len(states))
	for _, s := range states {
		byID[s.ID] = s
	}
	return &Machine{
		ID:      id,
		states:  byID,
		initial: states[0].ID,
		env:     env,
		logger:  logger.With("machine", id),
	}, nil
}

// Run drives the machine until ctx is done, which it then reports as its
// own return value after letting the current state's tasks drain.
func (m *Machine) Run(ctx context.Context) error {
	current := m.initial
	for {
		s, ok := m.states[current]
		if !ok {
			return fmt.Errorf("state machine %q: goto to undeclared state %q", m.ID, current)
		}
		m.logger.Info("entering state", "state", s.ID)

		next, err := m.enterState(ctx, s)
		if err != nil {
			return err
		}
		current = next
	}
}

// enterState runs s's top-level nodes to completion or cancellation and
// returns the id of the state to enter next. If all nodes complete without
// any of them requesting a goto, enterState blocks until ctx is done: the
// machine has no auto-advance and idles in s.
func (m *Machine) enterState(ctx context.Context, s *State) (string, error) {
	scopeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	transition := make(chan string, 1)
	env := m.env.WithGoto(func(stateID string) {
		select {
		case transition <- stateID:
		default:
		}
		cancel()
	})

	var wg sync.WaitGroup
	for _, node := range s.Nodes {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := node.Exec(scopeCtx, env); err != nil && scopeCtx.Err() == nil {
				m.logger.Warn("state task exited with error", "state", s.ID, "error", err)
			}
		}()
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		cancel()
		<-drained
		return "", ctx.Err()
	}

	select {
	case target := <-transition:
		return target, nil
	default:
	}

	// Every task finished without requesting a transition: idle in s until
	// the machine is shut down.
	<-ctx.Done()
	return "", ctx.Err()
}
