package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerRunsTasksInOrder(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var order []int
	for i := range 10 {
		s.Execute(func(context.Context) { order = append(order, i) })
	}
	s.Drain()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestDrainWaitsForRunningTask(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	release := make(chan struct{})
	finished := false
	s.Execute(func(context.Context) {
		<-release
		finished = true
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	s.Drain()

	assert.True(t, finished)
}

func TestStopRunsRemainingQueueWithCancelledContext(t *testing.T) {
	s := NewScheduler()

	started := make(chan struct{})
	release := make(chan struct{})
	s.Execute(func(context.Context) {
		close(started)
		<-release
	})
	<-started

	var sawCancelled bool
	ran := 0
	for range 3 {
		s.Execute(func(ctx context.Context) {
			ran++
			sawCancelled = ctx.Err() != nil
		})
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	// Let Stop cancel the context before the queued tasks get to run.
	<-s.ctx.Done()
	close(release)
	<-done

	assert.Equal(t, 3, ran)
	assert.True(t, sawCancelled)

	s.Execute(func(context.Context) { t.Error("task ran after stop") })
	time.Sleep(20 * time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewScheduler()
	s.Stop()
	s.Stop()
}
