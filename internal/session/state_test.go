package session

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionsAreOneDirectional(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	s := Session{ID: "s1", Code: "ABC234", Status: StatusWaiting, CreatedAt: now}
	require.NoError(t, s.Transition(StatusCountdown, now))
	require.NotNil(t, s.CountdownStartedAt)
	assert.Equal(t, now, *s.CountdownStartedAt)

	require.NoError(t, s.Transition(StatusActive, now.Add(50*time.Second)))
	require.NotNil(t, s.StartedAt)

	next := now.Add(53 * time.Second)
	s.NextDrawAt = &next
	require.NoError(t, s.Transition(StatusFinished, now.Add(time.Minute)))
	assert.Nil(t, s.NextDrawAt)
	require.NotNil(t, s.FinishedAt)

	for _, to := range []Status{StatusWaiting, StatusCountdown, StatusActive, StatusCancelled} {
		err := s.Transition(to, now)
		assert.ErrorIs(t, err, ErrInvalidState, "finished -> %s", to)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusWaiting, StatusCountdown, true},
		{StatusWaiting, StatusCancelled, true},
		{StatusWaiting, StatusActive, false},
		{StatusCountdown, StatusActive, true},
		{StatusCountdown, StatusCancelled, true},
		{StatusCountdown, StatusWaiting, false},
		{StatusActive, StatusFinished, true},
		{StatusActive, StatusCancelled, false},
		{StatusCancelled, StatusWaiting, false},
		{StatusFinished, StatusActive, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestCountdownRemaining(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := 50 * time.Second

	assert.Equal(t, time.Duration(0), CountdownRemaining(nil, d, start))
	assert.Equal(t, d, CountdownRemaining(&start, d, start))
	assert.Equal(t, d, CountdownRemaining(&start, d, start.Add(-time.Second)))
	assert.Equal(t, 20*time.Second, CountdownRemaining(&start, d, start.Add(30*time.Second)))
	assert.Equal(t, time.Duration(0), CountdownRemaining(&start, d, start.Add(50*time.Second)))
	assert.Equal(t, time.Duration(0), CountdownRemaining(&start, d, start.Add(time.Hour)))

	// 单调不增且不为负
	prev := d
	for i := 0; i <= 120; i++ {
		left := CountdownRemaining(&start, d, start.Add(time.Duration(i)*500*time.Millisecond))
		if left > prev || left < 0 {
			t.Fatalf("remaining went from %v to %v at step %d", prev, left, i)
		}
		prev = left
	}
}

func TestRemainingSeconds(t *testing.T) {
	assert.Equal(t, 0, RemainingSeconds(0))
	assert.Equal(t, 1, RemainingSeconds(10*time.Millisecond))
	assert.Equal(t, 50, RemainingSeconds(50*time.Second))
	assert.Equal(t, 50, RemainingSeconds(49*time.Second+time.Millisecond))
}

func TestErrorCodes(t *testing.T) {
	err := Wrap(CodeTransient, "lock wait", errors.New("timeout"))
	assert.True(t, errors.Is(err, ErrTransient))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "lock wait: timeout", err.Error())
	assert.True(t, CodeOf(err).Retryable())

	assert.Equal(t, CodeFatal, CodeOf(errors.New("boom")))
	assert.Equal(t, http.StatusNotFound, CodeNotFound.HTTPStatus())
	assert.Equal(t, http.StatusConflict, CodeInvalidState.HTTPStatus())
	assert.Equal(t, http.StatusOK, CodeConcurrencyLost.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, CodeTransient.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, CodeFatal.HTTPStatus())
}

func TestHostIsEarliestActiveEntry(t *testing.T) {
	entries := []Entry{
		{PlayerID: "a", Status: EntryLeft},
		{PlayerID: "b", Status: EntryReady},
		{PlayerID: "c", Status: EntryReady},
	}
	assert.Equal(t, "b", Host(entries))
	assert.Len(t, ActiveEntries(entries), 2)
	assert.Equal(t, "", Host(entries[:1]))
}
