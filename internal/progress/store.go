// Package progress tracks each user's position, completed frames and score per lesson.
package progress

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// UserProgress is the play state of one user in one lesson.
type UserProgress struct {
	UserID          string    `json:"user_id"`
	LessonID        string    `json:"lesson_id"`
	CurrentFrameID  string    `json:"current_frame_id,omitempty"`
	CompletedFrames []string  `json:"completed_frames"` // in completion order
	Score           int       `json:"score"`
	StartedAt       time.Time `json:"started_at"`
	LastInteraction time.Time `json:"last_interaction"`
}

// HasCompleted reports whether frameID is in the completed set.
func (p UserProgress) HasCompleted(frameID string) bool {
	return slices.Contains(p.CompletedFrames, frameID)
}

func (p UserProgress) clone() UserProgress {
	p.CompletedFrames = append([]string{}, p.CompletedFrames...)
	return p
}

// Store persists UserProgress records keyed by (user, lesson).
type Store interface {
	// Modify loads the record, creating an empty one when absent, and applies fn
	// in a single transaction. Nothing is written when fn returns an error.
	// fn must not call back into any store.
	Modify(ctx context.Context, userID, lessonID string, fn func(p *UserProgress, created bool) error) (UserProgress, error)
	Get(ctx context.Context, userID, lessonID string) (UserProgress, bool, error)
	List(ctx context.Context, userID string) ([]UserProgress, error)
	ListByLesson(ctx context.Context, lessonID string) ([]UserProgress, error)
	Delete(ctx context.Context, userID, lessonID string) (bool, error)
}

type key struct{ user, lesson string }

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	records map[key]UserProgress
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory progress store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[key]UserProgress)}
}

func (s *MemoryStore) Modify(ctx context.Context, userID, lessonID string, fn func(p *UserProgress, created bool) error) (UserProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{userID, lessonID}
	p, ok := s.records[k]
	if ok {
		p = p.clone()
	} else {
		now := time.Now()
		p = UserProgress{UserID: userID, LessonID: lessonID, CompletedFrames: []string{}, StartedAt: now, LastInteraction: now}
	}
	if err := fn(&p, !ok); err != nil {
		return UserProgress{}, err
	}
	// A cancelled request must not commit.
	if err := ctx.Err(); err != nil {
		return UserProgress{}, err
	}
	s.records[k] = p
	return p.clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, userID, lessonID string) (UserProgress, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.records[key{userID, lessonID}]
	if !ok {
		return UserProgress{}, false, nil
	}
	return p.clone(), true, nil
}

func (s *MemoryStore) List(_ context.Context, userID string) ([]UserProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []UserProgress{}
	for k, p := range s.records {
		if k.user == userID {
			out = append(out, p.clone())
		}
	}
	slices.SortFunc(out, func(a, b UserProgress) int { return cmp.Compare(a.LessonID, b.LessonID) })
	return out, nil
}

func (s *MemoryStore) ListByLesson(_ context.Context, lessonID string) ([]UserProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []UserProgress{}
	for k, p := range s.records {
		if k.lesson == lessonID {
			out = append(out, p.clone())
		}
	}
	slices.SortFunc(out, func(a, b UserProgress) int { return cmp.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, userID, lessonID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{userID, lessonID}
	if _, ok := s.records[k]; !ok {
		return false, nil
	}
	delete(s.records, k)
	return true, nil
}
