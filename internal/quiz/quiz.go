// Package quiz validates answers against quiz content and guards the
// single-correct-option rule on every quiz write.
package quiz

import (
	"context"

	"github.com/p-n-ai/pai-play/internal/apperr"
	"github.com/p-n-ai/pai-play/internal/content"
	"github.com/p-n-ai/pai-play/internal/platform/lock"
)

// Result is the outcome of one answer. CorrectOption is always revealed;
// Explanation belongs to the option the player chose.
type Result struct {
	QuizID        string             `json:"quiz_id"`
	FrameID       string             `json:"frame_id"`
	OptionID      string             `json:"option_id"`
	IsCorrect     bool               `json:"is_correct"`
	Explanation   string             `json:"explanation,omitempty"`
	CorrectOption content.QuizOption `json:"correct_option"`
}

// Service reads and writes quizzes through a content store.
type Service struct {
	store  content.Store
	locker lock.Locker
}

// New creates a quiz service. Writes are serialized per lesson through locker.
func New(store content.Store, locker lock.Locker) *Service {
	return &Service{store: store, locker: locker}
}

// ValidateAnswer checks optionID against quizID. A quiz without exactly one
// correct option fails closed with InvalidState.
func (s *Service) ValidateAnswer(ctx context.Context, quizID, optionID string) (Result, error) {
	q, err := s.store.GetQuiz(ctx, quizID)
	if err != nil {
		return Result{}, err
	}
	chosen, err := s.store.GetOption(ctx, optionID)
	if err != nil {
		return Result{}, err
	}
	if chosen.QuizID != q.ID {
		return Result{}, apperr.InvalidArgument("quiz.ValidateAnswer", "option %s does not belong to quiz %s", optionID, quizID)
	}
	correct, err := content.CorrectOption(q)
	if err != nil {
		return Result{}, err
	}

	return Result{
		QuizID:        q.ID,
		FrameID:       q.FrameID,
		OptionID:      chosen.ID,
		IsCorrect:     chosen.ID == correct.ID,
		Explanation:   chosen.Explanation,
		CorrectOption: correct,
	}, nil
}

// AssertSingleCorrectOption fails with InvalidState unless the stored quiz has
// exactly one correct option.
func (s *Service) AssertSingleCorrectOption(ctx context.Context, quizID string) error {
	q, err := s.store.GetQuiz(ctx, quizID)
	if err != nil {
		return err
	}
	return content.CheckSingleCorrect(q)
}

// SaveQuiz stores q with its full option set. The frame must be a quiz frame.
func (s *Service) SaveQuiz(ctx context.Context, q content.Quiz) error {
	const op = "quiz.SaveQuiz"

	f, err := s.store.GetFrame(ctx, q.FrameID)
	if err != nil {
		return err
	}
	if f.Type != content.FrameQuiz {
		return apperr.InvalidArgument(op, "frame %s is a %s frame, not a quiz frame", f.ID, f.Type)
	}
	if q.Question == "" {
		return apperr.InvalidArgument(op, "question is required")
	}
	if err := content.CheckSingleCorrect(q); err != nil {
		return err
	}

	release, err := s.locker.Acquire(ctx, lock.LessonKey(f.LessonID))
	if err != nil {
		return err
	}
	defer release()
	return s.store.PutQuiz(ctx, q)
}

// SaveOption adds or replaces one option. The resulting option set must still
// have exactly one correct option.
func (s *Service) SaveOption(ctx context.Context, o content.QuizOption) (content.Quiz, error) {
	if o.ID == "" {
		return content.Quiz{}, apperr.InvalidArgument("quiz.SaveOption", "option id is required")
	}
	q, err := s.store.GetQuiz(ctx, o.QuizID)
	if err != nil {
		return content.Quiz{}, err
	}
	f, err := s.store.GetFrame(ctx, q.FrameID)
	if err != nil {
		return content.Quiz{}, err
	}

	release, err := s.locker.Acquire(ctx, lock.LessonKey(f.LessonID))
	if err != nil {
		return content.Quiz{}, err
	}
	defer release()

	// Re-read under the lock so concurrent option writes see each other.
	q, err = s.store.GetQuiz(ctx, o.QuizID)
	if err != nil {
		return content.Quiz{}, err
	}
	replaced := false
	for i := range q.Options {
		if q.Options[i].ID == o.ID {
			if o.Position == 0 {
				o.Position = q.Options[i].Position
			}
			q.Options[i] = o
			replaced = true
		}
	}
	if !replaced {
		if o.Position == 0 {
			o.Position = len(q.Options)
		}
		q.Options = append(q.Options, o)
	}
	if err := content.CheckSingleCorrect(q); err != nil {
		return content.Quiz{}, err
	}
	if err := s.store.PutQuiz(ctx, q); err != nil {
		return content.Quiz{}, err
	}
	return s.store.GetQuiz(ctx, q.ID)
}
