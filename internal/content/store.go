package content

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/p-n-ai/pai-play/internal/apperr"
)

// Store persists lesson content. Lookups of missing entities return an
// apperr NotFound error.
//
// PutFrame never changes a frame's chain pointer: new frames start detached and
// existing pointers are kept. Chain pointers change only through ApplyChainEdit,
// which rejects two frames sharing one predecessor with an apperr Conflict.
type Store interface {
	PutLesson(ctx context.Context, l Lesson) error
	GetLesson(ctx context.Context, id string) (Lesson, error)

	PutBackground(ctx context.Context, b Background) error
	GetBackground(ctx context.Context, id string) (Background, error)

	PutFrame(ctx context.Context, f Frame) error
	GetFrame(ctx context.Context, id string) (Frame, error)
	ListFrames(ctx context.Context, lessonID string) ([]Frame, error)
	ApplyChainEdit(ctx context.Context, edit ChainEdit) error

	// ReplaceScene replaces a frame's objects and dialogues.
	ReplaceScene(ctx context.Context, frameID string, objects []GameObject, dialogues []Dialogue) error
	ListObjects(ctx context.Context, frameID string) ([]GameObject, error)
	ListDialogues(ctx context.Context, frameID string) ([]Dialogue, error)

	// PutQuiz stores a quiz and replaces its option set.
	PutQuiz(ctx context.Context, q Quiz) error
	GetQuiz(ctx context.Context, id string) (Quiz, error)
	GetQuizByFrame(ctx context.Context, frameID string) (Quiz, error)
	GetOption(ctx context.Context, id string) (QuizOption, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	lessons     map[string]Lesson
	backgrounds map[string]Background
	frames      map[string]Frame
	objects     map[string][]GameObject // by frame
	dialogues   map[string][]Dialogue   // by frame
	quizzes     map[string]Quiz
	quizByFrame map[string]string
	options     map[string]QuizOption
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory content store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lessons:     make(map[string]Lesson),
		backgrounds: make(map[string]Background),
		frames:      make(map[string]Frame),
		objects:     make(map[string][]GameObject),
		dialogues:   make(map[string][]Dialogue),
		quizzes:     make(map[string]Quiz),
		quizByFrame: make(map[string]string),
		options:     make(map[string]QuizOption),
	}
}

func (s *MemoryStore) PutLesson(_ context.Context, l Lesson) error {
	if l.ID == "" {
		return apperr.InvalidArgument("content.PutLesson", "lesson id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.lessons[l.ID]; ok && l.CreatedAt.IsZero() {
		l.CreatedAt = existing.CreatedAt
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	s.lessons[l.ID] = l
	return nil
}

func (s *MemoryStore) GetLesson(_ context.Context, id string) (Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lessons[id]
	if !ok {
		return Lesson{}, apperr.NotFound("content.GetLesson", "lesson not found: %s", id)
	}
	return l, nil
}

func (s *MemoryStore) PutBackground(_ context.Context, b Background) error {
	if b.ID == "" {
		return apperr.InvalidArgument("content.PutBackground", "background id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backgrounds[b.ID] = b
	return nil
}

func (s *MemoryStore) GetBackground(_ context.Context, id string) (Background, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.backgrounds[id]
	if !ok {
		return Background{}, apperr.NotFound("content.GetBackground", "background not found: %s", id)
	}
	return b, nil
}

func (s *MemoryStore) PutFrame(_ context.Context, f Frame) error {
	const op = "content.PutFrame"
	if f.ID == "" {
		return apperr.InvalidArgument(op, "frame id is required")
	}
	if !f.Type.Valid() {
		return apperr.InvalidArgument(op, "unknown frame type %q", f.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lessons[f.LessonID]; !ok {
		return apperr.NotFound(op, "lesson not found: %s", f.LessonID)
	}
	if f.BackgroundID != "" {
		if _, ok := s.backgrounds[f.BackgroundID]; !ok {
			return apperr.NotFound(op, "background not found: %s", f.BackgroundID)
		}
	}

	f.PreviousFrameID = ""
	if existing, ok := s.frames[f.ID]; ok {
		if existing.LessonID != f.LessonID {
			return apperr.Conflict(op, "frame %s belongs to lesson %s", f.ID, existing.LessonID)
		}
		f.PreviousFrameID = existing.PreviousFrameID
	}
	applyFrameDefaults(&f)
	s.frames[f.ID] = f
	if qid, ok := s.quizByFrame[f.ID]; ok && f.Type != FrameQuiz {
		s.dropQuizLocked(qid)
	}
	return nil
}

func (s *MemoryStore) GetFrame(_ context.Context, id string) (Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.frames[id]
	if !ok {
		return Frame{}, apperr.NotFound("content.GetFrame", "frame not found: %s", id)
	}
	return f, nil
}

func (s *MemoryStore) ListFrames(_ context.Context, lessonID string) ([]Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.lessons[lessonID]; !ok {
		return nil, apperr.NotFound("content.ListFrames", "lesson not found: %s", lessonID)
	}
	frames := []Frame{}
	for _, f := range s.frames {
		if f.LessonID == lessonID {
			frames = append(frames, f)
		}
	}
	slices.SortFunc(frames, func(a, b Frame) int { return cmp.Compare(a.ID, b.ID) })
	return frames, nil
}

func (s *MemoryStore) ApplyChainEdit(_ context.Context, edit ChainEdit) error {
	const op = "content.ApplyChainEdit"

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stage on a copy so a failed edit leaves the chain untouched.
	staged := make(map[string]Frame, len(s.frames))
	for id, f := range s.frames {
		staged[id] = f
	}

	for _, link := range edit.Links {
		f, ok := staged[link.FrameID]
		if !ok {
			return apperr.NotFound(op, "frame not found: %s", link.FrameID)
		}
		if edit.LessonID != "" && f.LessonID != edit.LessonID {
			return apperr.InvalidArgument(op, "frame %s is not in lesson %s", f.ID, edit.LessonID)
		}
		if link.PreviousID != "" {
			prev, ok := staged[link.PreviousID]
			if !ok {
				return apperr.NotFound(op, "frame not found: %s", link.PreviousID)
			}
			if prev.LessonID != f.LessonID {
				return apperr.InvalidArgument(op, "frames %s and %s are in different lessons", prev.ID, f.ID)
			}
			for _, other := range staged {
				if other.ID != f.ID && other.PreviousFrameID == link.PreviousID {
					return apperr.Conflict(op, "frame %s already follows %s", other.ID, link.PreviousID)
				}
			}
		}
		f.PreviousFrameID = link.PreviousID
		staged[f.ID] = f
	}

	if id := edit.DeleteFrame; id != "" {
		if _, ok := staged[id]; !ok {
			return apperr.NotFound(op, "frame not found: %s", id)
		}
		delete(staged, id)
		for fid, f := range staged {
			if f.PreviousFrameID == id {
				f.PreviousFrameID = ""
				staged[fid] = f
			}
		}
	}

	s.frames = staged
	if id := edit.DeleteFrame; id != "" {
		delete(s.objects, id)
		delete(s.dialogues, id)
		if qid, ok := s.quizByFrame[id]; ok {
			s.dropQuizLocked(qid)
		}
	}
	return nil
}

func (s *MemoryStore) ReplaceScene(_ context.Context, frameID string, objects []GameObject, dialogues []Dialogue) error {
	const op = "content.ReplaceScene"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.frames[frameID]; !ok {
		return apperr.NotFound(op, "frame not found: %s", frameID)
	}
	known := make(map[string]bool, len(objects))
	objs := make([]GameObject, 0, len(objects))
	for _, o := range objects {
		o.FrameID = frameID
		known[o.ID] = true
		objs = append(objs, o)
	}
	lines := make([]Dialogue, 0, len(dialogues))
	for _, d := range dialogues {
		if !known[d.GameObjectID] {
			return apperr.InvalidArgument(op, "dialogue %s references unknown object %s", d.ID, d.GameObjectID)
		}
		d.FrameID = frameID
		lines = append(lines, d)
	}
	slices.SortStableFunc(objs, func(a, b GameObject) int { return a.Position - b.Position })
	slices.SortStableFunc(lines, func(a, b Dialogue) int { return a.Position - b.Position })

	s.objects[frameID] = objs
	s.dialogues[frameID] = lines
	return nil
}

func (s *MemoryStore) ListObjects(_ context.Context, frameID string) ([]GameObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]GameObject{}, s.objects[frameID]...), nil
}

func (s *MemoryStore) ListDialogues(_ context.Context, frameID string) ([]Dialogue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Dialogue{}, s.dialogues[frameID]...), nil
}

func (s *MemoryStore) PutQuiz(_ context.Context, q Quiz) error {
	const op = "content.PutQuiz"
	if q.ID == "" {
		return apperr.InvalidArgument(op, "quiz id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.frames[q.FrameID]; !ok {
		return apperr.NotFound(op, "frame not found: %s", q.FrameID)
	}
	if other, ok := s.quizByFrame[q.FrameID]; ok && other != q.ID {
		return apperr.Conflict(op, "frame %s already has quiz %s", q.FrameID, other)
	}
	if existing, ok := s.quizzes[q.ID]; ok && existing.FrameID != q.FrameID {
		return apperr.Conflict(op, "quiz %s belongs to frame %s", q.ID, existing.FrameID)
	}
	for _, o := range q.Options {
		if existing, ok := s.options[o.ID]; ok && existing.QuizID != q.ID {
			return apperr.Conflict(op, "option %s belongs to quiz %s", o.ID, existing.QuizID)
		}
	}

	if _, ok := s.quizzes[q.ID]; ok {
		s.dropQuizLocked(q.ID)
	}
	opts := make([]QuizOption, len(q.Options))
	for i, o := range q.Options {
		o.QuizID = q.ID
		opts[i] = o
		s.options[o.ID] = o
	}
	slices.SortStableFunc(opts, func(a, b QuizOption) int { return a.Position - b.Position })
	q.Options = opts
	s.quizzes[q.ID] = q
	s.quizByFrame[q.FrameID] = q.ID
	return nil
}

func (s *MemoryStore) dropQuizLocked(id string) {
	q, ok := s.quizzes[id]
	if !ok {
		return
	}
	for _, o := range q.Options {
		delete(s.options, o.ID)
	}
	delete(s.quizByFrame, q.FrameID)
	delete(s.quizzes, id)
}

func (s *MemoryStore) GetQuiz(_ context.Context, id string) (Quiz, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quizzes[id]
	if !ok {
		return Quiz{}, apperr.NotFound("content.GetQuiz", "quiz not found: %s", id)
	}
	q.Options = append([]QuizOption{}, q.Options...)
	return q, nil
}

func (s *MemoryStore) GetQuizByFrame(_ context.Context, frameID string) (Quiz, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.quizByFrame[frameID]
	if !ok {
		return Quiz{}, apperr.NotFound("content.GetQuizByFrame", "frame %s has no quiz", frameID)
	}
	q := s.quizzes[id]
	q.Options = append([]QuizOption{}, q.Options...)
	return q, nil
}

func (s *MemoryStore) GetOption(_ context.Context, id string) (QuizOption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.options[id]
	if !ok {
		return QuizOption{}, apperr.NotFound("content.GetOption", "option not found: %s", id)
	}
	return o, nil
}
