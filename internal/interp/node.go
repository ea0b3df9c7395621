package interp

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elektrokapsel/audioplayer/internal/alarms"
	"github.com/elektrokapsel/audioplayer/internal/tagcache"
)

// Node is one action-tree element. Exec runs it to completion in the
// calling goroutine (the "task"), suspending at wait/play-await/child-join
// points. A non-nil return is a cancellation (ctx.Err()), with one
// exception: WaitAlarm on an undeclared filter returns that lookup error.
// Other runtime faults (unknown clip, unknown volume control, unknown filter
// in ignore/restore_alarms, non-numeric tag read) are logged and absorbed so
// the action degrades rather than unwinding its siblings.
type Node interface {
	Exec(ctx context.Context, env Env) error
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && err != nil
}

// Play starts a clip at Priority and blocks until it ends. If Timeout is
// nonzero the voice is cancelled after that duration and Play still returns
// normally, matching the timeout semantics of play.
type Play struct {
	ClipID   string
	Priority int
	Timeout  time.Duration
}

func (p *Play) Exec(ctx context.Context, env Env) error {
	clip, ok := env.Clips.Get(p.ClipID)
	if !ok {
		env.Logger.Warn("play: unknown clip id", "clip", p.ClipID)
		return nil
	}

	playCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		playCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	handle, err := env.Mixer.StartVoice(playCtx, clip, p.Priority)
	if err != nil {
		if cancelled(ctx, err) {
			return ctx.Err()
		}
		env.Logger.Warn("play: start_voice rejected", "clip", p.ClipID, "error", err)
		return nil
	}

	select {
	case <-handle.Done():
		return nil
	case <-playCtx.Done():
		env.Mixer.StopVoice(handle)
		<-handle.Done()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil // timeout expired, not outer cancellation: returns normally
	}
}

// Wait suspends the task for Duration.
type Wait struct {
	Duration time.Duration
}

func (w *Wait) Exec(ctx context.Context, env Env) error {
	t := time.NewTimer(w.Duration)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTag suspends until TagName's next change satisfies Predicate.
type WaitTag struct {
	TagName   string
	Predicate tagcache.Predicate
}

func (w *WaitTag) Exec(ctx context.Context, env Env) error {
	epoch := env.Tags.Epoch(w.TagName)
	_, err := env.Tags.Wait(ctx, w.TagName, epoch, w.Predicate)
	return err
}

// WaitAlarm suspends until FilterID's active count next transitions per Mode.
type WaitAlarm struct {
	FilterID string
	Mode     alarms.Mode
}

func (w *WaitAlarm) Exec(ctx context.Context, env Env) error {
	return env.Alarms.Wait(ctx, w.FilterID, w.Mode)
}

// Sequence runs its children in order, stopping at the first cancellation.
// A Sequence of one child is behaviourally identical to that child.
type Sequence struct {
	Children []Node
}

func (s *Sequence) Exec(ctx context.Context, env Env) error {
	for _, child := range s.Children {
		if err := child.Exec(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Parallel starts all children concurrently and completes only once every
// child has completed; cancellation of the parent propagates to every
// child via the shared context.
type Parallel struct {
	Children []Node
}

func (p *Parallel) Exec(ctx context.Context, env Env) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, child := range p.Children {
		child := child
		g.Go(func() error { return child.Exec(gctx, env) })
	}
	return g.Wait()
}

// Repeat runs Children as a Sequence, Count times. Count == nil means loop
// forever. repeat count=1 is behaviourally identical to a plain Sequence.
type Repeat struct {
	Children []Node
	Count    *int
}

func (r *Repeat) Exec(ctx context.Context, env Env) error {
	body := &Sequence{Children: r.Children}

	if r.Count == nil {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := body.Exec(ctx, env); err != nil {
				return err
			}
		}
	}

	for i := 0; i < *r.Count; i++ {
		if err := body.Exec(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Goto requests the enclosing state machine transition to State. It never
// returns to its caller: it posts the request, then blocks until the
// machine cancels this state's task set.
type Goto struct {
	State string
}

func (g *Goto) Exec(ctx context.Context, env Env) error {
	env.RequestGoto(g.State)
	<-ctx.Done()
	return ctx.Err()
}

// SetTag writes Value to TagName through the tag cache.
type SetTag struct {
	TagName string
	Value   string
}

func (s *SetTag) Exec(ctx context.Context, env Env) error {
	env.Tags.Write(s.TagName, s.Value)
	return nil
}

// SetVolume sets ControlID's gain, either to a literal value or to the
// current value of SourceTag (parsed as decimal, 0 if absent or
// non-numeric). Exactly one of Literal/SourceTag is set.
type SetVolume struct {
	ControlID string
	Literal   *float64
	SourceTag string
}

func (s *SetVolume) Exec(ctx context.Context, env Env) error {
	gain := 0.0
	switch {
	case s.Literal != nil:
		gain = *s.Literal
	case s.SourceTag != "":
		if v, _, ok := env.Tags.Get(s.SourceTag); ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				gain = parsed
			} else {
				env.Logger.Warn("set_volume: non-numeric tag value", "tag", s.SourceTag, "value", v)
			}
		}
	}
	if err := env.Mixer.SetVolume(s.ControlID, gain); err != nil {
		env.Logger.Warn("set_volume: unknown control", "control", s.ControlID, "error", err)
	}
	return nil
}

// IgnoreAlarms adds FilterID's currently-active alarms to its ignore set.
type IgnoreAlarms struct {
	FilterID  string
	Permanent bool
}

func (a *IgnoreAlarms) Exec(ctx context.Context, env Env) error {
	if err := env.Alarms.Ignore(a.FilterID, a.Permanent); err != nil {
		env.Logger.Warn("ignore_alarms: unknown filter", "filter", a.FilterID, "error", err)
	}
	return nil
}

// RestoreAlarms clears FilterID's ignore sets.
type RestoreAlarms struct {
	FilterID string
}

func (r *RestoreAlarms) Exec(ctx context.Context, env Env) error {
	if err := env.Alarms.Restore(r.FilterID); err != nil {
		env.Logger.Warn("restore_alarms: unknown filter", "filter", r.FilterID, "error", err)
	}
	return nil
}

// Debug emits Message at info level and always succeeds.
type Debug struct {
	Message string
}

func (d *Debug) Exec(ctx context.Context, env Env) error {
	env.Logger.Info(d.Message)
	return nil
}
