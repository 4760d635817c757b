package generation

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/susu3304/klingbot/internal/kling"
)

// State of one generation run.
type State int

const (
	StateSubmitting State = iota
	StatePolling
	StateSucceeded
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateSubmitting:
		return "submitting"
	case StatePolling:
		return "polling"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed out"
	}
	return "unknown"
}

// ErrTimedOut marks runs that exceeded the overall generation deadline.
var ErrTimedOut = errors.New("generation deadline exceeded")

// JobClient is the slice of the Kling client the scheduler drives.
type JobClient interface {
	Submit(ctx context.Context, startB64, endB64 string) (kling.JobHandle, error)
	PollOnce(ctx context.Context, handle kling.JobHandle) (kling.JobStatus, error)
}

// Notifier receives "still waiting" progress ticks; tier counts up from 0.
type Notifier func(tier int)

// Clock abstracts time so the polling loop is testable without real waits.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result is the terminal outcome of a run. A timed-out run is reported as
// StateTimedOut, never as StateFailed.
type Result struct {
	State    State
	VideoURL string
	Reason   string
}

// Scheduler drives one submitted job to a terminal state: submit, wait 30s,
// then poll with a backoff that ramps 30s->60s in 30s steps and on to a 90s
// ceiling in 15s steps, until success, failure, or the 20 minute deadline.
type Scheduler struct {
	client       JobClient
	clock        Clock
	notify       Notifier
	initialDelay time.Duration
	maxWait      time.Duration
	maxNotices   int
}

func New(client JobClient, notify Notifier) *Scheduler {
	return &Scheduler{
		client:       client,
		clock:        systemClock{},
		notify:       notify,
		initialDelay: 30 * time.Second,
		maxWait:      20 * time.Minute,
		maxNotices:   20,
	}
}

// WithClock replaces the scheduler's clock. Used by tests.
func (s *Scheduler) WithClock(clock Clock) *Scheduler {
	s.clock = clock
	return s
}

// Run submits the job and polls until a terminal state. It blocks for up to
// maxWait and is meant to be dispatched as its own goroutine per session.
func (s *Scheduler) Run(ctx context.Context, startB64, endB64 string) Result {
	handle, err := s.client.Submit(ctx, startB64, endB64)
	if err != nil {
		return Result{State: StateFailed, Reason: err.Error()}
	}

	deadline := s.clock.Now().Add(s.maxWait)
	delay := s.initialDelay
	notices := 0

	for {
		if err := s.clock.Sleep(ctx, delay); err != nil {
			return Result{State: StateFailed, Reason: "cancelled: " + err.Error()}
		}
		if s.clock.Now().After(deadline) {
			return Result{State: StateTimedOut, Reason: ErrTimedOut.Error()}
		}

		status, err := s.client.PollOnce(ctx, handle)
		if err != nil {
			// Keep polling on intermediate errors; the deadline bounds us.
			log.Printf("scheduler: poll error for task %s: %v", handle.TaskID, err)
		} else {
			switch status.Kind {
			case kling.StatusSucceeded:
				return Result{State: StateSucceeded, VideoURL: status.VideoURL}
			case kling.StatusFailed:
				return Result{State: StateFailed, Reason: status.Reason}
			}
		}

		if s.notify != nil && notices < s.maxNotices {
			s.notify(notices)
			notices++
		}
		delay = nextDelay(delay)
	}
}

// nextDelay ramps the wait 30s->60s in 30s steps, then 15s steps up to 90s.
func nextDelay(cur time.Duration) time.Duration {
	if cur < time.Minute {
		cur += 30 * time.Second
	} else {
		cur += 15 * time.Second
	}
	if cur > 90*time.Second {
		cur = 90 * time.Second
	}
	return cur
}
