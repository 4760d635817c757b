package session

import (
	"sync"
	"testing"
	"time"

	"github.com/susu3304/klingbot/internal/kling"
)

func TestEnsureCreatesOnce(t *testing.T) {
	store := NewStore()

	if store.Get(1) != nil {
		t.Fatal("expected no session before Ensure")
	}

	first := store.Ensure(1)
	second := store.Ensure(1)
	if first != second {
		t.Error("Ensure must return the same session for repeated calls")
	}
	if store.Get(1) != first {
		t.Error("Get must return the ensured session")
	}
}

func TestResetReplacesState(t *testing.T) {
	store := NewStore()

	sess := store.Ensure(1)
	sess.FirstB64 = "first"
	sess.SecondB64 = "second"
	sess.WorkDir = "runs/x"
	sess.Handle = &kling.JobHandle{TaskID: "task-1"}

	fresh := store.Reset(1)

	if fresh == sess {
		t.Fatal("Reset must replace the session object, not clear it in place")
	}
	if fresh.FirstB64 != "" || fresh.SecondB64 != "" || fresh.WorkDir != "" || fresh.Handle != nil {
		t.Errorf("expected an empty session after reset, got %+v", fresh)
	}
	if store.Get(1) != fresh {
		t.Error("Get must return the fresh session after reset")
	}
}

func TestSessionsAreIsolatedPerUser(t *testing.T) {
	store := NewStore()

	a := store.Ensure(1)
	b := store.Ensure(2)
	a.FirstB64 = "image"

	if b.FirstB64 != "" {
		t.Error("sessions must not share state between users")
	}

	store.Reset(1)
	if store.Get(2) != b {
		t.Error("resetting one user must not touch another user's session")
	}
}

func TestWithLockSerializesPerUser(t *testing.T) {
	store := NewStore()

	var wg sync.WaitGroup
	var mu sync.Mutex
	running, peak := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.WithLock(1, func() {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	if peak != 1 {
		t.Errorf("expected one critical section at a time for a user, saw %d", peak)
	}
}

func TestComplete(t *testing.T) {
	sess := &Session{UserID: 1}
	if sess.Complete() {
		t.Error("empty session must not be complete")
	}
	sess.FirstB64 = "a"
	if sess.Complete() {
		t.Error("session with one image must not be complete")
	}
	sess.SecondB64 = "b"
	if !sess.Complete() {
		t.Error("session with both images must be complete")
	}
}
