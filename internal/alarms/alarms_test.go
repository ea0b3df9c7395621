package alarms

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elektrokapsel/audioplayer/internal/tagcache"
)

func TestSubstringMatcherEmptyExpressionMatchesAll(t *testing.T) {
	m := SubstringMatcher{}
	assert.True(t, m.Match("", Event{Name: "anything"}))
}

func TestSubstringMatcherCaseInsensitiveSubstring(t *testing.T) {
	m := SubstringMatcher{}
	assert.True(t, m.Match("PUMP", Event{Name: "pump failure"}))
	assert.False(t, m.Match("valve", Event{Name: "pump failure"}))
}

func TestHandleUpdateActivatesAndEvaluatesFilter(t *testing.T) {
	r := New(nil, SubstringMatcher{})
	r.DeclareFilter("pumps", "pump", "", "")

	r.HandleUpdate([]Event{
		{ID: "A1", InstanceID: "1", Name: "pump failure", State: "active"},
	})

	f, ok := r.filter("pumps")
	require.True(t, ok)
	assert.Equal(t, 1, f.ActiveCount())
}

func TestHandleUpdateClearedAlarmLeavesActiveSet(t *testing.T) {
	r := New(nil, SubstringMatcher{})
	r.DeclareFilter("pumps", "pump", "", "")

	r.HandleUpdate([]Event{{ID: "A1", InstanceID: "1", Name: "pump failure", State: "active"}})
	require.Equal(t, 1, mustFilter(t, r, "pumps").ActiveCount())

	r.HandleUpdate([]Event{{ID: "A1", InstanceID: "1", Name: "pump failure", State: "cleared"}})
	assert.Equal(t, 0, mustFilter(t, r, "pumps").ActiveCount())
}

func TestWaitAnyWakesOnZeroToPositiveTransition(t *testing.T) {
	r := New(nil, SubstringMatcher{})
	r.DeclareFilter("all", "", "", "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Wait(ctx, "all", ModeAny) }()
	time.Sleep(10 * time.Millisecond)

	r.HandleUpdate([]Event{{ID: "A1", InstanceID: "1", Name: "x", State: "active"}})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait_alarm mode=any did not wake on 0 -> 1 transition")
	}
}

func TestWaitNoneWakesOnPositiveToZeroTransition(t *testing.T) {
	r := New(nil, SubstringMatcher{})
	r.DeclareFilter("all", "", "", "")
	r.HandleUpdate([]Event{{ID: "A1", InstanceID: "1", Name: "x", State: "active"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Wait(ctx, "all", ModeNone) }()
	time.Sleep(10 * time.Millisecond)

	r.HandleUpdate([]Event{{ID: "A1", InstanceID: "1", Name: "x", State: "cleared"}})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait_alarm mode=none did not wake on 1 -> 0 transition")
	}
}

func TestWaitUnknownFilter(t *testing.T) {
	r := New(nil, SubstringMatcher{})
	err := r.Wait(context.Background(), "missing", ModeAny)
	assert.Error(t, err)
}

// Ignoring an active alarm drops the filter's count to 0; restoring it back
// brings a still-active alarm back into the count. This exercises the
// documented 2 -> 0 -> 2 ignore/restore sequencing.
func TestIgnoreThenRestoreSequencing(t *testing.T) {
	r := New(nil, SubstringMatcher{})
	r.DeclareFilter("all", "", "", "")

	r.HandleUpdate([]Event{
		{ID: "A1", InstanceID: "1", Name: "x", State: "active"},
		{ID: "A2", InstanceID: "1", Name: "y", State: "active"},
	})
	require.Equal(t, 2, mustFilter(t, r, "all").ActiveCount())

	require.NoError(t, r.Ignore("all", false))
	assert.Equal(t, 0, mustFilter(t, r, "all").ActiveCount())

	require.NoError(t, r.Restore("all"))
	assert.Equal(t, 2, mustFilter(t, r, "all").ActiveCount())
}

func TestRestoreClearsPermanentIgnore(t *testing.T) {
	r := New(nil, SubstringMatcher{})
	r.DeclareFilter("all", "", "", "")
	r.HandleUpdate([]Event{{ID: "A1", InstanceID: "1", Name: "x", State: "active"}})

	require.NoError(t, r.Ignore("all", true))
	assert.Equal(t, 0, mustFilter(t, r, "all").ActiveCount())

	// Restore clears both ignore sets, including the permanent one, by design:
	// Restore is the single "un-ignore everything for this filter" operation.
	require.NoError(t, r.Restore("all"))
	assert.Equal(t, 1, mustFilter(t, r, "all").ActiveCount())
}

func TestTagMatchingAndTagIgnoredPublishCounts(t *testing.T) {
	tags := tagcache.New(nil)
	r := New(tags, SubstringMatcher{})
	r.DeclareFilter("all", "", "active_count", "ignored_count")

	r.HandleUpdate([]Event{{ID: "A1", InstanceID: "1", Name: "x", State: "active"}})
	v, _, ok := tags.Get("active_count")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	require.NoError(t, r.Ignore("all", false))
	v, _, ok = tags.Get("ignored_count")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func mustFilter(t *testing.T, r *Registry, id string) *Filter {
	t.Helper()
	f, ok := r.filter(id)
	require.True(t, ok)
	return f
}
