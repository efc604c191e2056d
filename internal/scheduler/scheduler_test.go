package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddValidatesJobs(t *testing.T) {
	s := New(zerolog.Nop())
	noop := func(context.Context) error { return nil }

	require.Error(t, s.Add(Job{Spec: "* * * * *", Run: noop}))
	require.Error(t, s.Add(Job{Name: "nil-run", Spec: "* * * * *"}))
	require.Error(t, s.Add(Job{Name: "bad-spec", Spec: "every tuesday", Run: noop}))
	require.NoError(t, s.Add(Job{Name: "quick", Spec: "*/5 * * * *", Run: noop}))
	require.Error(t, s.Add(Job{Name: "quick", Spec: "* * * * *", Run: noop}))
}

func TestTriggerRunsJobWithTimeout(t *testing.T) {
	s := New(zerolog.Nop())
	var deadline time.Time
	failure := errors.New("boom")
	require.NoError(t, s.Add(Job{
		Name:    "cleanup",
		Spec:    "0 3 * * *",
		Timeout: time.Minute,
		Run: func(ctx context.Context) error {
			deadline, _ = ctx.Deadline()
			return failure
		},
	}))

	err := s.Trigger("cleanup")
	require.ErrorIs(t, err, failure)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

	require.Error(t, s.Trigger("missing"))
}

func TestNextAfterStart(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.Add(Job{Name: "notify", Spec: "* * * * *", Run: func(context.Context) error { return nil }}))
	s.Start()
	defer s.Stop()

	next := s.Next("notify")
	require.False(t, next.IsZero())
	assert.True(t, next.After(time.Now().Add(-time.Second)))
	assert.True(t, s.Next("unknown").IsZero())
}

func TestStopCancelsRunningJobs(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.Add(Job{Name: "slow", Spec: "* * * * *", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))

	done := make(chan error, 1)
	go func() { done <- s.Trigger("slow") }()
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("job not cancelled")
	}
}
