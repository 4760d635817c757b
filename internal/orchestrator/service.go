package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/susu3304/klingbot/internal/generation"
	"github.com/susu3304/klingbot/internal/kling"
	"github.com/susu3304/klingbot/internal/session"
	"github.com/susu3304/klingbot/internal/yoomoney"
)

var (
	// ErrInvalidNotice marks a payment notification that failed verification.
	ErrInvalidNotice = errors.New("payment notification rejected")
	// ErrUnresolvedUser marks a verified notification with no usable user id.
	ErrUnresolvedUser = errors.New("could not resolve user from label")
)

// Ledger is the slice of the payments store the orchestrator mutates.
type Ledger interface {
	GetBalance(ctx context.Context, userID int64) (int, error)
	IncrementBalance(ctx context.Context, userID int64, delta int, username string) (int, error)
}

// Delivery carries the callbacks used to reach the user who started a flow.
// The chat transport builds one per conversation and the orchestrator stays
// unaware of how messages are actually sent.
type Delivery struct {
	Progress func(tier int)
	Video    func(url string)
	Text     func(msg string)
	Forward  func(url string)
}

// Service coordinates sessions, generation runs, and payment crediting.
type Service struct {
	ledger   Ledger
	sessions *session.Store
	jobs     generation.JobClient
	verifier *yoomoney.Verifier
	pool     *Pool
	http     *http.Client
	runsDir  string
}

func New(ledger Ledger, sessions *session.Store, jobs generation.JobClient, verifier *yoomoney.Verifier, pool *Pool, runsDir string) *Service {
	return &Service{
		ledger:   ledger,
		sessions: sessions,
		jobs:     jobs,
		verifier: verifier,
		pool:     pool,
		http:     &http.Client{Timeout: 2 * time.Minute},
		runsDir:  runsDir,
	}
}

// CollectImage stores an incoming image in the user's session. It returns
// the session and whether this was the first image of the pair. Intake for a
// user is serialized: two images arriving at once still land as an ordered
// first/second pair.
func (s *Service) CollectImage(userID int64, data []byte) (sess *session.Session, first bool, err error) {
	s.sessions.WithLock(userID, func() {
		sess, first, err = s.collectImage(userID, data)
	})
	return sess, first, err
}

func (s *Service) collectImage(userID int64, data []byte) (*session.Session, bool, error) {
	sess := s.sessions.Ensure(userID)

	if sess.WorkDir == "" {
		dir, err := s.newWorkDir()
		if err != nil {
			return nil, false, err
		}
		sess.WorkDir = dir
	}

	if sess.FirstB64 == "" {
		if err := os.WriteFile(filepath.Join(sess.WorkDir, "start_image.jpg"), data, 0o644); err != nil {
			return nil, false, fmt.Errorf("failed to save start image: %w", err)
		}
		sess.FirstB64 = kling.EncodeImage(data)
		return sess, true, nil
	}

	if err := os.WriteFile(filepath.Join(sess.WorkDir, "end_image.jpg"), data, 0o644); err != nil {
		return nil, false, fmt.Errorf("failed to save end image: %w", err)
	}
	sess.SecondB64 = kling.EncodeImage(data)
	return sess, false, nil
}

// StartGeneration snapshots the completed session, resets it so the user can
// begin another generation right away, and dispatches the polling run to the
// worker pool. Each run is independent; concurrent jobs per user are allowed.
func (s *Service) StartGeneration(ctx context.Context, userID int64, d Delivery) error {
	var start, end, workDir string
	var err error
	s.sessions.WithLock(userID, func() {
		sess := s.sessions.Get(userID)
		if sess == nil || !sess.Complete() {
			err = fmt.Errorf("session for user %d is not ready for generation", userID)
			return
		}
		start, end, workDir = sess.FirstB64, sess.SecondB64, sess.WorkDir
		s.sessions.Reset(userID)
	})
	if err != nil {
		return err
	}

	s.pool.Go(func() {
		s.runGeneration(ctx, start, end, workDir, d)
	})
	return nil
}

func (s *Service) runGeneration(ctx context.Context, startB64, endB64, workDir string, d Delivery) {
	sched := generation.New(s.jobs, func(tier int) {
		if d.Progress != nil {
			d.Progress(tier)
		}
	})

	res := sched.Run(ctx, startB64, endB64)
	switch res.State {
	case generation.StateSucceeded:
		if d.Video != nil {
			d.Video(res.VideoURL)
		}
		if d.Forward != nil {
			d.Forward(res.VideoURL)
		}
		s.saveArtifact(ctx, res.VideoURL, workDir)
	case generation.StateTimedOut:
		log.Printf("orchestrator: generation timed out after the polling deadline")
		if d.Text != nil {
			d.Text("Превышено время ожидания генерации, попробуйте позже")
		}
	default:
		log.Printf("orchestrator: generation failed: %s", res.Reason)
		if d.Text != nil {
			d.Text("Генерация не удалась: " + res.Reason)
		}
	}
}

// saveArtifact downloads the finished video into the run's workdir.
// Best effort only; failures are logged and never surfaced to the user.
func (s *Service) saveArtifact(ctx context.Context, videoURL, workDir string) {
	if workDir == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		log.Printf("orchestrator: failed to build artifact request: %v", err)
		return
	}
	resp, err := s.http.Do(req)
	if err != nil {
		log.Printf("orchestrator: failed to download artifact: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("orchestrator: artifact download returned status %d", resp.StatusCode)
		return
	}

	out, err := os.Create(filepath.Join(workDir, "result.mp4"))
	if err != nil {
		log.Printf("orchestrator: failed to create artifact file: %v", err)
		return
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		log.Printf("orchestrator: failed to write artifact: %v", err)
	}
}

// HandlePaymentNotice verifies a notification and credits one generation to
// the resolved user. No mutation happens on any rejection path.
func (s *Service) HandlePaymentNotice(ctx context.Context, n yoomoney.Notification, requireRUB bool) (int64, int, error) {
	res := s.verifier.Verify(n, requireRUB)
	log.Printf("payments: notification sha1 computed=%s received=%s", res.Computed, res.Received)
	if res.WeakSecret {
		log.Printf("payments: WARNING no notification secret configured, trusting payload-supplied secret")
	}

	if !res.Valid {
		return 0, 0, fmt.Errorf("%w: %s", ErrInvalidNotice, res.Reason)
	}
	if !res.UserFound {
		return 0, 0, fmt.Errorf("%w (label %q)", ErrUnresolvedUser, n.Label)
	}

	balance, err := s.ledger.IncrementBalance(ctx, res.UserID, 1, "")
	if err != nil {
		return res.UserID, 0, fmt.Errorf("failed to credit user %d: %w", res.UserID, err)
	}
	log.Printf("payments: credited user %d, new balance %d", res.UserID, balance)
	return res.UserID, balance, nil
}

// Balance returns the user's paid generation count.
func (s *Service) Balance(ctx context.Context, userID int64) (int, error) {
	return s.ledger.GetBalance(ctx, userID)
}

// SpendGeneration consumes one paid generation, clamped at zero.
func (s *Service) SpendGeneration(ctx context.Context, userID int64) (int, error) {
	return s.ledger.IncrementBalance(ctx, userID, -1, "")
}

// ResetSession discards the user's in-flight state. An already dispatched
// generation run keeps polling independently; its result is simply delivered
// when ready.
func (s *Service) ResetSession(userID int64) {
	s.sessions.WithLock(userID, func() {
		s.sessions.Reset(userID)
	})
}

func (s *Service) newWorkDir() (string, error) {
	name := fmt.Sprintf("%s_%08x", time.Now().Format("20060102-150405"), rand.Uint32())
	dir := filepath.Join(s.runsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	return dir, nil
}
