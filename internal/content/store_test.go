package content_test

import (
	"context"
	"errors"
	"testing"

	"github.com/p-n-ai/pai-play/internal/apperr"
	"github.com/p-n-ai/pai-play/internal/content"
	"github.com/p-n-ai/pai-play/internal/platform/database"
)

// stores returns one fresh instance of every Store implementation.
func stores(t *testing.T) map[string]content.Store {
	t.Helper()
	ctx := t.Context()

	db, err := database.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(ctx, db, database.DialectSQLite); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	sqlStore, err := content.NewSQLStore(db)
	if err != nil {
		t.Fatalf("NewSQLStore() error = %v", err)
	}

	return map[string]content.Store{
		"memory": content.NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func seedLesson(t *testing.T, ctx context.Context, s content.Store, lessonID string, frameIDs ...string) {
	t.Helper()
	if err := s.PutLesson(ctx, content.Lesson{ID: lessonID, Title: "Lesson " + lessonID}); err != nil {
		t.Fatalf("PutLesson() error = %v", err)
	}
	for _, id := range frameIDs {
		if err := s.PutFrame(ctx, content.Frame{ID: id, LessonID: lessonID, Name: id, Type: content.FrameScene}); err != nil {
			t.Fatalf("PutFrame(%s) error = %v", id, err)
		}
	}
}

func TestStore_LessonAndBackground(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			if _, err := s.GetLesson(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("GetLesson(missing) error = %v, want NotFound", err)
			}
			if err := s.PutLesson(ctx, content.Lesson{ID: "l1", Title: "Pecahan"}); err != nil {
				t.Fatalf("PutLesson() error = %v", err)
			}
			l, err := s.GetLesson(ctx, "l1")
			if err != nil {
				t.Fatalf("GetLesson() error = %v", err)
			}
			if l.Title != "Pecahan" || l.CreatedAt.IsZero() {
				t.Errorf("GetLesson() = %+v", l)
			}

			if err := s.PutBackground(ctx, content.Background{ID: "bg", Name: "Kelas", Image: "kelas.png"}); err != nil {
				t.Fatalf("PutBackground() error = %v", err)
			}
			b, err := s.GetBackground(ctx, "bg")
			if err != nil {
				t.Fatalf("GetBackground() error = %v", err)
			}
			if b.Image != "kelas.png" {
				t.Errorf("Background.Image = %q", b.Image)
			}
		})
	}
}

func TestStore_PutFrame(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			seedLesson(t, ctx, s, "l1", "f1", "f2")

			tests := []struct {
				name  string
				frame content.Frame
				kind  apperr.Kind
			}{
				{"missing lesson", content.Frame{ID: "x", LessonID: "nope", Type: content.FrameScene}, apperr.KindNotFound},
				{"missing background", content.Frame{ID: "x", LessonID: "l1", Type: content.FrameScene, BackgroundID: "nope"}, apperr.KindNotFound},
				{"bad type", content.Frame{ID: "x", LessonID: "l1", Type: "video"}, apperr.KindInvalidArgument},
				{"empty id", content.Frame{LessonID: "l1", Type: content.FrameScene}, apperr.KindInvalidArgument},
			}
			for _, tt := range tests {
				err := s.PutFrame(ctx, tt.frame)
				if got := apperr.KindOf(err); got != tt.kind {
					t.Errorf("%s: PutFrame() kind = %v (%v), want %v", tt.name, got, err, tt.kind)
				}
			}

			f, err := s.GetFrame(ctx, "f1")
			if err != nil {
				t.Fatalf("GetFrame() error = %v", err)
			}
			if f.Width != 100 || f.Height != 100 {
				t.Errorf("frame size = %dx%d, want 100x100", f.Width, f.Height)
			}

			// Updating a frame keeps its chain pointer.
			if err := s.ApplyChainEdit(ctx, content.ChainEdit{Links: []content.Link{{FrameID: "f2", PreviousID: "f1"}}}); err != nil {
				t.Fatalf("ApplyChainEdit() error = %v", err)
			}
			if err := s.PutFrame(ctx, content.Frame{ID: "f2", LessonID: "l1", Name: "renamed", Type: content.FrameBackground}); err != nil {
				t.Fatalf("PutFrame(update) error = %v", err)
			}
			f2, _ := s.GetFrame(ctx, "f2")
			if f2.PreviousFrameID != "f1" || f2.Name != "renamed" {
				t.Errorf("updated frame = %+v, want prev f1 and new name", f2)
			}

			frames, err := s.ListFrames(ctx, "l1")
			if err != nil {
				t.Fatalf("ListFrames() error = %v", err)
			}
			if len(frames) != 2 {
				t.Errorf("ListFrames() = %d frames, want 2", len(frames))
			}
			if _, err := s.ListFrames(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("ListFrames(nope) error = %v, want NotFound", err)
			}
		})
	}
}

func TestStore_ApplyChainEdit(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			seedLesson(t, ctx, s, "l1", "a", "b", "c")
			seedLesson(t, ctx, s, "l2", "z")

			err := s.ApplyChainEdit(ctx, content.ChainEdit{LessonID: "l1", Links: []content.Link{
				{FrameID: "b", PreviousID: "a"},
				{FrameID: "c", PreviousID: "b"},
			}})
			if err != nil {
				t.Fatalf("ApplyChainEdit() error = %v", err)
			}

			// A second successor for a is rejected and nothing from the edit applies.
			err = s.ApplyChainEdit(ctx, content.ChainEdit{Links: []content.Link{
				{FrameID: "b"},
				{FrameID: "c", PreviousID: "a"},
				{FrameID: "b", PreviousID: "a"},
			}})
			if !errors.Is(err, apperr.ErrConflict) {
				t.Fatalf("ApplyChainEdit(branch) error = %v, want Conflict", err)
			}
			b, _ := s.GetFrame(ctx, "b")
			c, _ := s.GetFrame(ctx, "c")
			if b.PreviousFrameID != "a" || c.PreviousFrameID != "b" {
				t.Errorf("failed edit changed the chain: b.prev=%q c.prev=%q", b.PreviousFrameID, c.PreviousFrameID)
			}

			if err := s.ApplyChainEdit(ctx, content.ChainEdit{Links: []content.Link{{FrameID: "z", PreviousID: "c"}}}); !errors.Is(err, apperr.ErrInvalidArgument) {
				t.Errorf("cross-lesson link error = %v, want InvalidArgument", err)
			}
			if err := s.ApplyChainEdit(ctx, content.ChainEdit{Links: []content.Link{{FrameID: "nope", PreviousID: "c"}}}); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("missing frame link error = %v, want NotFound", err)
			}

			// Splice b out: a -> c.
			err = s.ApplyChainEdit(ctx, content.ChainEdit{
				LessonID:    "l1",
				Links:       []content.Link{{FrameID: "b"}, {FrameID: "c", PreviousID: "a"}},
				DeleteFrame: "b",
			})
			if err != nil {
				t.Fatalf("ApplyChainEdit(splice) error = %v", err)
			}
			if _, err := s.GetFrame(ctx, "b"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("GetFrame(b) after delete error = %v, want NotFound", err)
			}
			c, _ = s.GetFrame(ctx, "c")
			if c.PreviousFrameID != "a" {
				t.Errorf("c.prev = %q, want a", c.PreviousFrameID)
			}

			if err := s.ApplyChainEdit(ctx, content.ChainEdit{DeleteFrame: "b"}); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("deleting a missing frame error = %v, want NotFound", err)
			}
		})
	}
}

func TestStore_Scene(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			seedLesson(t, ctx, s, "l1", "f1")

			objects := []content.GameObject{
				{ID: "o2", Name: "Pokok", Position: 1},
				{ID: "o1", Name: "Cikgu", Position: 0},
			}
			dialogues := []content.Dialogue{
				{ID: "d2", GameObjectID: "o1", Text: "Mari kita mula.", Position: 1},
				{ID: "d1", GameObjectID: "o1", Text: "Selamat pagi!", Position: 0},
			}
			if err := s.ReplaceScene(ctx, "f1", objects, dialogues); err != nil {
				t.Fatalf("ReplaceScene() error = %v", err)
			}

			gotObjects, err := s.ListObjects(ctx, "f1")
			if err != nil {
				t.Fatalf("ListObjects() error = %v", err)
			}
			if len(gotObjects) != 2 || gotObjects[0].ID != "o1" {
				t.Errorf("ListObjects() = %+v, want o1 first", gotObjects)
			}
			gotLines, err := s.ListDialogues(ctx, "f1")
			if err != nil {
				t.Fatalf("ListDialogues() error = %v", err)
			}
			if len(gotLines) != 2 || gotLines[0].Text != "Selamat pagi!" || gotLines[0].FrameID != "f1" {
				t.Errorf("ListDialogues() = %+v", gotLines)
			}

			bad := []content.Dialogue{{ID: "d9", GameObjectID: "ghost", Text: "boo"}}
			if err := s.ReplaceScene(ctx, "f1", objects, bad); !errors.Is(err, apperr.ErrInvalidArgument) {
				t.Errorf("ReplaceScene(unknown object) error = %v, want InvalidArgument", err)
			}
			if err := s.ReplaceScene(ctx, "nope", nil, nil); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("ReplaceScene(missing frame) error = %v, want NotFound", err)
			}
		})
	}
}

func TestStore_Quiz(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			seedLesson(t, ctx, s, "l1")
			for _, id := range []string{"q-frame", "q-frame-2"} {
				if err := s.PutFrame(ctx, content.Frame{ID: id, LessonID: "l1", Type: content.FrameQuiz}); err != nil {
					t.Fatalf("PutFrame() error = %v", err)
				}
			}

			q := content.Quiz{ID: "q1", FrameID: "q-frame", Question: "1/2 + 1/2?", Options: []content.QuizOption{
				{ID: "o1", Text: "1", IsCorrect: true, Explanation: "Dua separuh jadi satu.", Position: 0},
				{ID: "o2", Text: "2/4", Position: 1},
			}}
			if err := s.PutQuiz(ctx, q); err != nil {
				t.Fatalf("PutQuiz() error = %v", err)
			}

			got, err := s.GetQuiz(ctx, "q1")
			if err != nil {
				t.Fatalf("GetQuiz() error = %v", err)
			}
			if len(got.Options) != 2 || !got.Options[0].IsCorrect || got.Options[1].IsCorrect {
				t.Errorf("GetQuiz().Options = %+v", got.Options)
			}
			byFrame, err := s.GetQuizByFrame(ctx, "q-frame")
			if err != nil || byFrame.ID != "q1" {
				t.Errorf("GetQuizByFrame() = %v, %v", byFrame.ID, err)
			}
			opt, err := s.GetOption(ctx, "o2")
			if err != nil || opt.QuizID != "q1" {
				t.Errorf("GetOption() = %+v, %v", opt, err)
			}

			// Replacing the option set drops options no longer listed.
			q.Options = []content.QuizOption{{ID: "o3", Text: "1", IsCorrect: true}, {ID: "o4", Text: "0"}}
			if err := s.PutQuiz(ctx, q); err != nil {
				t.Fatalf("PutQuiz(replace) error = %v", err)
			}
			if _, err := s.GetOption(ctx, "o1"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("GetOption(o1) after replace error = %v, want NotFound", err)
			}

			if err := s.PutQuiz(ctx, content.Quiz{ID: "q2", FrameID: "q-frame", Question: "?"}); !errors.Is(err, apperr.ErrConflict) {
				t.Errorf("second quiz on a frame error = %v, want Conflict", err)
			}
			stolen := content.Quiz{ID: "q2", FrameID: "q-frame-2", Question: "?", Options: []content.QuizOption{{ID: "o3", Text: "x"}}}
			if err := s.PutQuiz(ctx, stolen); !errors.Is(err, apperr.ErrConflict) {
				t.Errorf("reusing another quiz's option error = %v, want Conflict", err)
			}

			moved := content.Quiz{ID: "q1", FrameID: "q-frame-2", Question: "?", Options: q.Options}
			if err := s.PutQuiz(ctx, moved); !errors.Is(err, apperr.ErrConflict) {
				t.Errorf("moving a quiz to another frame error = %v, want Conflict", err)
			}
			if got, err := s.GetQuizByFrame(ctx, "q-frame"); err != nil || got.ID != "q1" {
				t.Errorf("GetQuizByFrame(q-frame) after rejected move = %v, %v", got.ID, err)
			}

			// A frame that stops being a quiz frame loses its quiz.
			if err := s.PutQuiz(ctx, content.Quiz{ID: "q2", FrameID: "q-frame-2", Question: "?", Options: []content.QuizOption{{ID: "o5", Text: "x", IsCorrect: true}}}); err != nil {
				t.Fatalf("PutQuiz(q2) error = %v", err)
			}
			if err := s.PutFrame(ctx, content.Frame{ID: "q-frame-2", LessonID: "l1", Type: content.FrameScene}); err != nil {
				t.Fatalf("PutFrame(scene) error = %v", err)
			}
			if _, err := s.GetQuizByFrame(ctx, "q-frame-2"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("GetQuizByFrame() after type change error = %v, want NotFound", err)
			}
			if _, err := s.GetOption(ctx, "o5"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("GetOption(o5) after type change error = %v, want NotFound", err)
			}

			// Deleting the frame removes its quiz.
			if err := s.ApplyChainEdit(ctx, content.ChainEdit{DeleteFrame: "q-frame"}); err != nil {
				t.Fatalf("ApplyChainEdit(delete) error = %v", err)
			}
			if _, err := s.GetQuiz(ctx, "q1"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("GetQuiz() after frame delete error = %v, want NotFound", err)
			}
		})
	}
}

func TestCheckSingleCorrect(t *testing.T) {
	tests := []struct {
		name    string
		correct []bool
		wantErr bool
	}{
		{"one correct", []bool{true, false}, false},
		{"none correct", []bool{false, false}, true},
		{"two correct", []bool{true, true, false}, true},
		{"no options", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := content.Quiz{ID: "q"}
			for _, c := range tt.correct {
				q.Options = append(q.Options, content.QuizOption{IsCorrect: c})
			}
			err := content.CheckSingleCorrect(q)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckSingleCorrect() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, apperr.ErrInvalidState) {
				t.Errorf("CheckSingleCorrect() error = %v, want InvalidState", err)
			}
		})
	}
}
