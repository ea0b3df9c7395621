package tagcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateThenGet(t *testing.T) {
	c := New(nil)
	c.Update("speed", "10")

	value, epoch, ok := c.Get("speed")
	require.True(t, ok)
	assert.Equal(t, "10", value)
	assert.Equal(t, uint64(1), epoch)
}

func TestGetUnknownTag(t *testing.T) {
	c := New(nil)
	_, _, ok := c.Get("nope")
	assert.False(t, ok)
}

func TestWaitResolvesImmediatelyIfAlreadySatisfied(t *testing.T) {
	c := New(nil)
	c.Update("speed", "10")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := c.Wait(ctx, "speed", 0, Eq(10))
	require.NoError(t, err)
	assert.Equal(t, "10", v)
}

func TestWaitWakesOnMatchingUpdate(t *testing.T) {
	c := New(nil)
	c.Update("speed", "1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	var gotValue string
	var gotErr error
	go func() {
		defer close(done)
		gotValue, gotErr = c.Wait(ctx, "speed", c.Epoch("speed"), Eq(5))
	}()

	// An update that doesn't satisfy the predicate must not wake the waiter.
	c.Update("speed", "3")
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("wait resolved before a satisfying update arrived")
	default:
	}

	c.Update("speed", "5")
	<-done
	require.NoError(t, gotErr)
	assert.Equal(t, "5", gotValue)
}

func TestWaitCancelledByContext(t *testing.T) {
	c := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Wait(ctx, "never", 0, Changed())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChangedWakesOnSameValueRewrite(t *testing.T) {
	c := New(nil)
	c.Update("state", "idle")

	ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFn()

	done := make(chan error, 1)
	go func() {
		_, err := c.Wait(ctx, "state", c.Epoch("state"), Changed())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	c.Update("state", "idle")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("changed predicate did not wake on a same-value rewrite")
	}
}

func TestAndConjoinsPredicates(t *testing.T) {
	p := And(Gt(0), Lt(10))
	assert.True(t, p("5"))
	assert.False(t, p("15"))
	assert.False(t, p("-1"))
}

func TestNumericPredicateOnNonNumericValueIsFalse(t *testing.T) {
	assert.False(t, Eq(1)("not-a-number"))
}

type recordingSink struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSink) WriteTag(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name+"="+value)
}

func TestWriteUpdatesLocalCacheBeforeCallingSink(t *testing.T) {
	sink := &recordingSink{}
	c := New(sink)

	c.Write("mode", "auto")

	value, _, ok := c.Get("mode")
	require.True(t, ok)
	assert.Equal(t, "auto", value)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.calls, 1)
	assert.Equal(t, "mode=auto", sink.calls[0])
}

func TestSetSinkBindsLateWithoutRace(t *testing.T) {
	c := New(nil)
	sink := &recordingSink{}
	c.SetSink(sink)

	c.Write("ready", "1")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.calls, 1)
}
