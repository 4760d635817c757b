package session

import (
	"sync"

	"github.com/susu3304/klingbot/internal/kling"
)

// Session is one user's in-flight generation state. The second image is only
// ever set after the first one.
type Session struct {
	UserID    int64
	FirstB64  string
	SecondB64 string
	WorkDir   string
	Handle    *kling.JobHandle
}

// Complete reports whether both images have been collected.
func (s *Session) Complete() bool {
	return s.FirstB64 != "" && s.SecondB64 != ""
}

// Store maps user IDs to sessions. Reset replaces the whole entry so no
// partial state survives an error or a finished generation.
type Store struct {
	sessions map[int64]*Session
	locks    map[int64]*sync.Mutex
	mu       sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[int64]*Session),
		locks:    make(map[int64]*sync.Mutex),
	}
}

// WithLock runs fn while holding the user's intake mutex. Chat handlers each
// run on their own goroutine, so every session mutation for a user goes
// through here to apply back-to-back messages one at a time.
func (s *Store) WithLock(userID int64, fn func()) {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()
	fn()
}

func (s *Store) lockFor(userID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// Get returns the user's session or nil.
func (s *Store) Get(userID int64) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[userID]
}

// Ensure returns the user's session, creating an empty one if absent.
func (s *Store) Ensure(userID int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[userID]; ok {
		return sess
	}
	sess := &Session{UserID: userID}
	s.sessions[userID] = sess
	return sess
}

// Reset replaces the user's session with a fresh empty one.
func (s *Store) Reset(userID int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &Session{UserID: userID}
	s.sessions[userID] = sess
	return sess
}
