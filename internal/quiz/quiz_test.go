package quiz

import (
	"errors"
	"testing"

	"github.com/p-n-ai/pai-play/internal/apperr"
	"github.com/p-n-ai/pai-play/internal/content"
	"github.com/p-n-ai/pai-play/internal/platform/lock"
)

func setup(t *testing.T) (*Service, *content.MemoryStore) {
	t.Helper()
	ctx := t.Context()
	s := content.NewMemoryStore()

	if err := s.PutLesson(ctx, content.Lesson{ID: "l1"}); err != nil {
		t.Fatal(err)
	}
	frames := []content.Frame{
		{ID: "f-quiz", LessonID: "l1", Type: content.FrameQuiz},
		{ID: "f-quiz-2", LessonID: "l1", Type: content.FrameQuiz},
		{ID: "f-quiz-3", LessonID: "l1", Type: content.FrameQuiz},
		{ID: "f-scene", LessonID: "l1", Type: content.FrameScene},
	}
	for _, f := range frames {
		if err := s.PutFrame(ctx, f); err != nil {
			t.Fatal(err)
		}
	}
	q := content.Quiz{ID: "q1", FrameID: "f-quiz", Question: "3 x 4?", Options: []content.QuizOption{
		{ID: "right", Text: "12", IsCorrect: true, Explanation: "Tiga kumpulan empat."},
		{ID: "wrong", Text: "7", Explanation: "Itu hasil tambah."},
	}}
	if err := s.PutQuiz(ctx, q); err != nil {
		t.Fatal(err)
	}
	other := content.Quiz{ID: "q2", FrameID: "f-quiz-2", Question: "?", Options: []content.QuizOption{
		{ID: "q2-a", Text: "a", IsCorrect: true},
		{ID: "q2-b", Text: "b"},
	}}
	if err := s.PutQuiz(ctx, other); err != nil {
		t.Fatal(err)
	}
	return New(s, lock.NewLocalLocker()), s
}

func TestValidateAnswer(t *testing.T) {
	svc, _ := setup(t)
	ctx := t.Context()

	right, err := svc.ValidateAnswer(ctx, "q1", "right")
	if err != nil {
		t.Fatalf("ValidateAnswer(right) error = %v", err)
	}
	if !right.IsCorrect || right.Explanation != "Tiga kumpulan empat." {
		t.Errorf("ValidateAnswer(right) = %+v", right)
	}

	wrong, err := svc.ValidateAnswer(ctx, "q1", "wrong")
	if err != nil {
		t.Fatalf("ValidateAnswer(wrong) error = %v", err)
	}
	if wrong.IsCorrect || wrong.Explanation != "Itu hasil tambah." {
		t.Errorf("ValidateAnswer(wrong) = %+v", wrong)
	}
	if wrong.CorrectOption != right.CorrectOption || wrong.CorrectOption.ID != "right" {
		t.Errorf("CorrectOption differs: %+v vs %+v", wrong.CorrectOption, right.CorrectOption)
	}
	if wrong.FrameID != "f-quiz" {
		t.Errorf("FrameID = %q, want f-quiz", wrong.FrameID)
	}
}

func TestValidateAnswer_Errors(t *testing.T) {
	svc, _ := setup(t)
	ctx := t.Context()

	tests := []struct {
		name   string
		quiz   string
		option string
		want   error
	}{
		{"missing quiz", "nope", "right", apperr.ErrNotFound},
		{"missing option", "q1", "nope", apperr.ErrNotFound},
		{"option of another quiz", "q1", "q2-a", apperr.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ValidateAnswer(ctx, tt.quiz, tt.option); !errors.Is(err, tt.want) {
				t.Errorf("ValidateAnswer() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateAnswer_FailsClosedOnBrokenQuiz(t *testing.T) {
	svc, s := setup(t)
	ctx := t.Context()

	// Written behind the service's back, as a corrupted row would be.
	broken := content.Quiz{ID: "q1", FrameID: "f-quiz", Question: "3 x 4?", Options: []content.QuizOption{
		{ID: "right", Text: "12", IsCorrect: true},
		{ID: "wrong", Text: "7", IsCorrect: true},
	}}
	if err := s.PutQuiz(ctx, broken); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ValidateAnswer(ctx, "q1", "right"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("ValidateAnswer() error = %v, want InvalidState", err)
	}
	if err := svc.AssertSingleCorrectOption(ctx, "q1"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("AssertSingleCorrectOption() error = %v, want InvalidState", err)
	}
	if err := svc.AssertSingleCorrectOption(ctx, "q2"); err != nil {
		t.Errorf("AssertSingleCorrectOption(q2) error = %v", err)
	}
}

func TestSaveQuiz(t *testing.T) {
	svc, s := setup(t)
	ctx := t.Context()

	valid := content.Quiz{ID: "q1", FrameID: "f-quiz", Question: "2 x 5?", Options: []content.QuizOption{
		{ID: "ten", Text: "10", IsCorrect: true},
		{ID: "seven", Text: "7"},
	}}

	tests := []struct {
		name string
		quiz content.Quiz
		want error
	}{
		{"valid", valid, nil},
		{"scene frame", content.Quiz{ID: "qx", FrameID: "f-scene", Question: "?", Options: valid.Options}, apperr.ErrInvalidArgument},
		{"missing frame", content.Quiz{ID: "qx", FrameID: "nope", Question: "?", Options: valid.Options}, apperr.ErrNotFound},
		{"no question", content.Quiz{ID: "q1", FrameID: "f-quiz", Options: valid.Options}, apperr.ErrInvalidArgument},
		{"no correct", content.Quiz{ID: "q1", FrameID: "f-quiz", Question: "?", Options: []content.QuizOption{{ID: "x"}, {ID: "y"}}}, apperr.ErrInvalidState},
		{"quiz of another frame", content.Quiz{ID: "q1", FrameID: "f-quiz-3", Question: "?", Options: valid.Options}, apperr.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.SaveQuiz(ctx, tt.quiz)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("SaveQuiz() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("SaveQuiz() error = %v, want %v", err, tt.want)
			}
		})
	}

	got, err := s.GetQuiz(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Question != "2 x 5?" || got.FrameID != "f-quiz" {
		t.Errorf("stored quiz = %q on %s, rejected writes must not apply", got.Question, got.FrameID)
	}
	if _, err := s.GetQuizByFrame(ctx, "f-quiz-3"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetQuizByFrame(f-quiz-3) error = %v, want NotFound", err)
	}
}

func TestSaveOption(t *testing.T) {
	svc, _ := setup(t)
	ctx := t.Context()

	q, err := svc.SaveOption(ctx, content.QuizOption{ID: "another", QuizID: "q1", Text: "34"})
	if err != nil {
		t.Fatalf("SaveOption(add) error = %v", err)
	}
	if len(q.Options) != 3 {
		t.Errorf("options = %d, want 3", len(q.Options))
	}

	q, err = svc.SaveOption(ctx, content.QuizOption{ID: "wrong", QuizID: "q1", Text: "seven", Explanation: "Tambah, bukan darab."})
	if err != nil {
		t.Fatalf("SaveOption(replace) error = %v", err)
	}
	if len(q.Options) != 3 {
		t.Errorf("options after replace = %d, want 3", len(q.Options))
	}

	// A second correct option is rejected.
	if _, err := svc.SaveOption(ctx, content.QuizOption{ID: "another", QuizID: "q1", Text: "34", IsCorrect: true}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("SaveOption(second correct) error = %v, want InvalidState", err)
	}
	// Un-marking the only correct option is rejected.
	if _, err := svc.SaveOption(ctx, content.QuizOption{ID: "right", QuizID: "q1", Text: "12"}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("SaveOption(no correct) error = %v, want InvalidState", err)
	}
	if _, err := svc.SaveOption(ctx, content.QuizOption{ID: "x", QuizID: "nope", Text: "x"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("SaveOption(missing quiz) error = %v, want NotFound", err)
	}
	if err := svc.AssertSingleCorrectOption(ctx, "q1"); err != nil {
		t.Errorf("AssertSingleCorrectOption() after rejected writes error = %v", err)
	}
}
