package circuit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/freshroute/internal/cluster"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		CoolDown:         time.Second,
		MaxCoolDown:      4 * time.Second,
		TrialTimeout:     500 * time.Millisecond,
	}
}

// TestStateString verifies state names used in logs and JSON.
func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())

	text, err := HalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "half-open", string(text))
}

// TestBreakerJSON verifies a breaker survives a JSON round trip with its
// state encoded by name.
func TestBreakerJSON(t *testing.T) {
	for _, state := range []State{Closed, Open, HalfOpen} {
		t.Run(state.String(), func(t *testing.T) {
			in := Breaker{State: state, OpenedAt: epoch, ConsecutiveFailures: 3, CoolDown: time.Second}
			data, err := json.Marshal(in)
			require.NoError(t, err)
			assert.Contains(t, string(data), `"state":"`+state.String()+`"`)

			var out Breaker
			require.NoError(t, json.Unmarshal(data, &out))
			assert.Equal(t, in.State, out.State)
			assert.Equal(t, in.ConsecutiveFailures, out.ConsecutiveFailures)
			assert.Equal(t, in.CoolDown, out.CoolDown)
			assert.True(t, in.OpenedAt.Equal(out.OpenedAt))
		})
	}

	var s State
	assert.Error(t, json.Unmarshal([]byte(`"ajar"`), &s))
}

// TestClosedOpensAfterThreshold verifies K consecutive failures open the breaker.
func TestClosedOpensAfterThreshold(t *testing.T) {
	s := testSettings()
	b := New(s)

	b = b.OnFailure(s, epoch)
	b = b.OnFailure(s, epoch)
	assert.Equal(t, Closed, b.State)
	assert.Equal(t, 2, b.ConsecutiveFailures)
	assert.Equal(t, cluster.HealthDegraded, b.Health(epoch))

	b = b.OnFailure(s, epoch)
	assert.Equal(t, Open, b.State)
	assert.Equal(t, epoch, b.OpenedAt)
	assert.Equal(t, cluster.HealthDown, b.Health(epoch))
	assert.False(t, b.Allows(s, epoch))
}

// TestSuccessResetsFailures verifies an interleaved success clears the run.
func TestSuccessResetsFailures(t *testing.T) {
	s := testSettings()
	b := New(s)

	b = b.OnFailure(s, epoch)
	b = b.OnFailure(s, epoch)
	b = b.OnSuccess(s, epoch)
	assert.Equal(t, 0, b.ConsecutiveFailures)
	assert.Equal(t, cluster.HealthUp, b.Health(epoch))

	b = b.OnFailure(s, epoch)
	b = b.OnFailure(s, epoch)
	assert.Equal(t, Closed, b.State, "run restarted after the success")
}

// TestCoolDownPromotesToHalfOpen verifies the open interval is honoured.
func TestCoolDownPromotesToHalfOpen(t *testing.T) {
	s := testSettings()
	b := tripped(s)

	assert.Equal(t, Open, b.At(epoch.Add(999*time.Millisecond)).State)
	assert.Equal(t, HalfOpen, b.At(epoch.Add(time.Second)).State)
	assert.Equal(t, cluster.HealthDegraded, b.Health(epoch.Add(time.Second)))

	// At never mutates the receiver.
	assert.Equal(t, Open, b.State)
}

// TestHalfOpenSingleTrial verifies exactly one trial is admitted.
func TestHalfOpenSingleTrial(t *testing.T) {
	s := testSettings()
	b := tripped(s)
	now := epoch.Add(time.Second)

	require.True(t, b.Allows(s, now))
	b, ok := b.Admit(s, now)
	require.True(t, ok)
	assert.Equal(t, HalfOpen, b.State)

	_, ok = b.Admit(s, now.Add(10*time.Millisecond))
	assert.False(t, ok, "second trial must be refused")
	assert.False(t, b.Allows(s, now.Add(10*time.Millisecond)))

	// An abandoned trial is released after the trial timeout.
	assert.True(t, b.Allows(s, now.Add(s.TrialTimeout)))
}

// TestHalfOpenScript runs a fixed failure/success script and checks every
// transition, including the capped exponential cool-down.
func TestHalfOpenScript(t *testing.T) {
	s := testSettings()
	b := tripped(s)
	now := epoch

	steps := []struct {
		advance      time.Duration
		succeed      bool
		wantState    State
		wantCoolDown time.Duration
	}{
		{advance: time.Second, succeed: false, wantState: Open, wantCoolDown: 2 * time.Second},
		{advance: 2 * time.Second, succeed: false, wantState: Open, wantCoolDown: 4 * time.Second},
		{advance: 4 * time.Second, succeed: false, wantState: Open, wantCoolDown: 4 * time.Second},
		{advance: 4 * time.Second, succeed: true, wantState: Closed, wantCoolDown: time.Second},
	}

	for i, step := range steps {
		now = now.Add(step.advance)
		var ok bool
		b, ok = b.Admit(s, now)
		require.True(t, ok, "step %d: trial should be admitted", i)
		if step.succeed {
			b = b.OnSuccess(s, now)
		} else {
			b = b.OnFailure(s, now)
		}
		assert.Equal(t, step.wantState, b.State, "step %d", i)
		assert.Equal(t, step.wantCoolDown, b.CoolDown, "step %d", i)
	}
	assert.Equal(t, 0, b.ConsecutiveFailures)
	assert.True(t, b.TrialStartedAt.IsZero())
}

// TestLateSuccessWhileOpen verifies a success reported during cool-down is ignored.
func TestLateSuccessWhileOpen(t *testing.T) {
	s := testSettings()
	b := tripped(s)

	b = b.OnSuccess(s, epoch.Add(100*time.Millisecond))
	assert.Equal(t, Open, b.State)
}

// TestDeterministic verifies identical scripts yield identical breakers.
func TestDeterministic(t *testing.T) {
	s := testSettings()
	run := func() Breaker {
		b := New(s)
		for i := 0; i < 5; i++ {
			b = b.OnFailure(s, epoch.Add(time.Duration(i)*time.Second))
		}
		b, _ = b.Admit(s, epoch.Add(10*time.Second))
		return b.OnSuccess(s, epoch.Add(10*time.Second))
	}
	assert.Equal(t, run(), run())
}

func tripped(s Settings) Breaker {
	b := New(s)
	for i := 0; i < s.FailureThreshold; i++ {
		b = b.OnFailure(s, epoch)
	}
	return b
}
