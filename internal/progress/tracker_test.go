package progress

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/p-n-ai/pai-play/internal/apperr"
	"github.com/p-n-ai/pai-play/internal/content"
	"github.com/p-n-ai/pai-play/internal/framegraph"
	"github.com/p-n-ai/pai-play/internal/platform/lock"
)

type fixture struct {
	tracker *Tracker
	graph   *framegraph.Graph
	frames  content.Store
	events  *MemoryEventLogger
}

// chain links f1 -> f2 -> f3 in lesson l1 and adds an empty lesson.
func chain(t *testing.T, s content.Store) {
	t.Helper()
	ctx := t.Context()
	err := s.ApplyChainEdit(ctx, content.ChainEdit{LessonID: "l1", Links: []content.Link{
		{FrameID: "f2", PreviousID: "f1"},
		{FrameID: "f3", PreviousID: "f2"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutLesson(ctx, content.Lesson{ID: "empty"}); err != nil {
		t.Fatal(err)
	}
}

func newFixture(t *testing.T, store Store, frames content.Store) fixture {
	t.Helper()
	chain(t, frames)
	locker := lock.NewLocalLocker()
	graph := framegraph.New(frames, locker)
	events := NewMemoryEventLogger()
	return fixture{
		tracker: NewTracker(store, frames, graph, locker, events),
		graph:   graph,
		frames:  frames,
		events:  events,
	}
}

func fixtures(t *testing.T) map[string]fixture {
	t.Helper()
	memFrames := content.NewMemoryStore()
	seedContent(t, memFrames)
	sqlStore, sqlFrames := sqlFixture(t)
	return map[string]fixture{
		"memory": newFixture(t, NewMemoryStore(), memFrames),
		"sqlite": newFixture(t, sqlStore, sqlFrames),
	}
}

func TestTracker_GetOrInit(t *testing.T) {
	for name, fx := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			if _, ok, _ := fx.tracker.Snapshot(ctx, "u1", "l1"); ok {
				t.Fatal("Snapshot() should report not started")
			}
			p, err := fx.tracker.GetOrInit(ctx, "u1", "l1")
			if err != nil {
				t.Fatalf("GetOrInit() error = %v", err)
			}
			if p.CurrentFrameID != "f1" || p.Score != 0 || len(p.CompletedFrames) != 0 {
				t.Errorf("GetOrInit() = %+v, want f1/0/{}", p)
			}
			if _, err := fx.tracker.GetOrInit(ctx, "u1", "l1"); err != nil {
				t.Fatal(err)
			}
			if n := len(fx.events.OfType(EventStarted)); n != 1 {
				t.Errorf("progress_started events = %d, want 1", n)
			}

			empty, err := fx.tracker.GetOrInit(ctx, "u1", "empty")
			if err != nil {
				t.Fatalf("GetOrInit(empty) error = %v", err)
			}
			if empty.CurrentFrameID != "" {
				t.Errorf("GetOrInit(empty).CurrentFrameID = %q, want none", empty.CurrentFrameID)
			}

			if _, err := fx.tracker.GetOrInit(ctx, "u1", "nope"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("GetOrInit(nope) error = %v, want NotFound", err)
			}
		})
	}
}

func TestTracker_RecordCompletionIdempotent(t *testing.T) {
	for name, fx := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			p, err := fx.tracker.RecordCompletion(ctx, "u1", "l1", "f2", 1)
			if err != nil {
				t.Fatalf("RecordCompletion() error = %v", err)
			}
			if p.Score != 1 || p.CurrentFrameID != "f3" {
				t.Errorf("after first completion = %+v", p)
			}

			p, err = fx.tracker.RecordCompletion(ctx, "u1", "l1", "f2", 1)
			if err != nil {
				t.Fatalf("second RecordCompletion() error = %v", err)
			}
			if p.Score != 1 || len(p.CompletedFrames) != 1 {
				t.Errorf("after repeat = score %d, completed %v; want 1, [f2]", p.Score, p.CompletedFrames)
			}
			if n := len(fx.events.OfType(EventFrameCompleted)); n != 1 {
				t.Errorf("frame_completed events = %d, want 1", n)
			}
		})
	}
}

func TestTracker_TerminalFrameKeepsPosition(t *testing.T) {
	for name, fx := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			if _, err := fx.tracker.SetCurrentFrame(ctx, "u1", "l1", "f3"); err != nil {
				t.Fatal(err)
			}
			p, err := fx.tracker.RecordCompletion(ctx, "u1", "l1", "f3", 0)
			if err != nil {
				t.Fatal(err)
			}
			if p.CurrentFrameID != "f3" {
				t.Errorf("CurrentFrameID = %q after terminal frame, want f3", p.CurrentFrameID)
			}
		})
	}
}

func TestTracker_Monotonic(t *testing.T) {
	fx := fixtures(t)["memory"]
	ctx := t.Context()

	sequence := []struct {
		frame  string
		points int
	}{
		{"f1", 0}, {"f2", 1}, {"f2", 1}, {"f1", 0}, {"f3", 2}, {"f3", 2},
	}
	lastScore, lastCompleted := 0, 0
	for _, step := range sequence {
		p, err := fx.tracker.RecordCompletion(ctx, "u1", "l1", step.frame, step.points)
		if err != nil {
			t.Fatalf("RecordCompletion(%s) error = %v", step.frame, err)
		}
		if p.Score < lastScore || len(p.CompletedFrames) < lastCompleted {
			t.Fatalf("progress went backwards at %s: %+v", step.frame, p)
		}
		lastScore, lastCompleted = p.Score, len(p.CompletedFrames)
	}
	if lastScore != 3 || lastCompleted != 3 {
		t.Errorf("final score %d, completed %d; want 3, 3", lastScore, lastCompleted)
	}

	status, err := fx.tracker.Status(ctx, "u1", "l1")
	if err != nil || status != StatusCompleted {
		t.Errorf("Status() = %v, %v; want completed", status, err)
	}
	if n := len(fx.events.OfType(EventLessonCompleted)); n != 1 {
		t.Errorf("lesson_completed events = %d, want 1", n)
	}
}

func TestTracker_RecordCompletionRejects(t *testing.T) {
	fx := fixtures(t)["memory"]
	ctx := t.Context()

	if err := fx.frames.PutLesson(ctx, content.Lesson{ID: "l2"}); err != nil {
		t.Fatal(err)
	}
	if err := fx.frames.PutFrame(ctx, content.Frame{ID: "other", LessonID: "l2", Type: content.FrameScene}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		frame  string
		points int
		want   error
	}{
		{"frame of another lesson", "other", 1, apperr.ErrInvalidArgument},
		{"missing frame", "nope", 1, apperr.ErrNotFound},
		{"negative points", "f1", -1, apperr.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fx.tracker.RecordCompletion(ctx, "u1", "l1", tt.frame, tt.points); !errors.Is(err, tt.want) {
				t.Errorf("RecordCompletion() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTracker_CompleteIfFailedCheck(t *testing.T) {
	fx := fixtures(t)["memory"]
	ctx := t.Context()

	c, err := fx.tracker.CompleteIf(ctx, "u1", "l1", "f2", func(context.Context) (int, bool, error) {
		return 1, false, nil
	})
	if err != nil {
		t.Fatalf("CompleteIf() error = %v", err)
	}
	if c.Recorded || c.Progress.Score != 0 || c.Progress.CurrentFrameID != "f1" {
		t.Errorf("CompleteIf(failed check) = %+v", c)
	}

	boom := errors.New("boom")
	if _, err := fx.tracker.CompleteIf(ctx, "u1", "l1", "f2", func(context.Context) (int, bool, error) {
		return 0, false, boom
	}); !errors.Is(err, boom) {
		t.Errorf("CompleteIf() error = %v, want boom", err)
	}
}

func TestTracker_ConcurrentDuplicateSubmissions(t *testing.T) {
	for name, fx := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := fx.tracker.RecordCompletion(ctx, "u1", "l1", "f2", 1); err != nil {
						t.Errorf("RecordCompletion() error = %v", err)
					}
				}()
			}
			wg.Wait()

			p, _, err := fx.tracker.Snapshot(ctx, "u1", "l1")
			if err != nil {
				t.Fatal(err)
			}
			if p.Score != 1 || len(p.CompletedFrames) != 1 {
				t.Errorf("after concurrent submissions score = %d, completed = %v; want 1, [f2]", p.Score, p.CompletedFrames)
			}
		})
	}
}

func TestTracker_SetCurrentFrame(t *testing.T) {
	fx := fixtures(t)["memory"]
	ctx := t.Context()

	if err := fx.frames.PutLesson(ctx, content.Lesson{ID: "l2"}); err != nil {
		t.Fatal(err)
	}
	if err := fx.frames.PutFrame(ctx, content.Frame{ID: "other", LessonID: "l2", Type: content.FrameScene}); err != nil {
		t.Fatal(err)
	}

	p, err := fx.tracker.SetCurrentFrame(ctx, "u1", "l1", "f3")
	if err != nil {
		t.Fatalf("SetCurrentFrame() error = %v", err)
	}
	if p.CurrentFrameID != "f3" {
		t.Errorf("CurrentFrameID = %q, want f3", p.CurrentFrameID)
	}
	if _, err := fx.tracker.SetCurrentFrame(ctx, "u1", "l1", "other"); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("SetCurrentFrame(other lesson) error = %v, want InvalidArgument", err)
	}
	if n := len(fx.events.OfType(EventSeek)); n != 1 {
		t.Errorf("progress_seek events = %d, want 1", n)
	}

	// VisitedOnly allows completed frames and the current frame only.
	if _, err := fx.tracker.RecordCompletion(ctx, "u2", "l1", "f1", 0); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		frame string
		want  error
	}{
		{"f2", nil}, // current
		{"f1", nil}, // completed
		{"f3", apperr.ErrInvalidArgument},
	}
	for _, tt := range tests {
		_, err := fx.tracker.SetCurrentFrame(ctx, "u2", "l1", tt.frame, VisitedOnly())
		if (tt.want == nil && err != nil) || (tt.want != nil && !errors.Is(err, tt.want)) {
			t.Errorf("SetCurrentFrame(%s, VisitedOnly) error = %v, want %v", tt.frame, err, tt.want)
		}
	}
}

func TestTracker_StatusAndReset(t *testing.T) {
	fx := fixtures(t)["memory"]
	ctx := t.Context()

	if s, err := fx.tracker.Status(ctx, "u1", "l1"); err != nil || s != StatusNotStarted {
		t.Errorf("Status() = %v, %v; want not_started", s, err)
	}
	if _, err := fx.tracker.Status(ctx, "u1", "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Status(nope) error = %v, want NotFound", err)
	}
	if _, err := fx.tracker.RecordCompletion(ctx, "u1", "l1", "f1", 1); err != nil {
		t.Fatal(err)
	}
	if s, _ := fx.tracker.Status(ctx, "u1", "l1"); s != StatusInProgress {
		t.Errorf("Status() = %v, want in_progress", s)
	}

	if err := fx.tracker.Reset(ctx, "u1", "l1"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if _, ok, _ := fx.tracker.Snapshot(ctx, "u1", "l1"); ok {
		t.Error("Snapshot() after Reset should report not started")
	}
	if err := fx.tracker.Reset(ctx, "u1", "l1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second Reset() error = %v, want NotFound", err)
	}
	if n := len(fx.events.OfType(EventReset)); n != 1 {
		t.Errorf("progress_reset events = %d, want 1", n)
	}
}

func TestTracker_ForgetFrameOnRemove(t *testing.T) {
	for name, fx := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			fx.graph.OnRemove(fx.tracker.ForgetFrame)

			// u1 completed f1 and f2 and sits on f3; u2 sits on f2.
			for _, f := range []string{"f1", "f2"} {
				if _, err := fx.tracker.RecordCompletion(ctx, "u1", "l1", f, 1); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := fx.tracker.SetCurrentFrame(ctx, "u2", "l1", "f2"); err != nil {
				t.Fatal(err)
			}

			if _, err := fx.graph.Remove(ctx, "f2"); err != nil {
				t.Fatalf("Remove() error = %v", err)
			}

			u1, _, _ := fx.tracker.Snapshot(ctx, "u1", "l1")
			if u1.HasCompleted("f2") || u1.Score != 2 || u1.CurrentFrameID != "f3" {
				t.Errorf("u1 after removal = %+v, want f2 dropped, score kept", u1)
			}
			u2, _, _ := fx.tracker.Snapshot(ctx, "u2", "l1")
			if u2.CurrentFrameID != "f3" {
				t.Errorf("u2.CurrentFrameID = %q, want successor f3", u2.CurrentFrameID)
			}
			if next, _ := fx.graph.ResolveNext(ctx, "f1"); next != "f3" {
				t.Errorf("ResolveNext(f1) = %q after splice, want f3", next)
			}
		})
	}
}

// pausingStore runs beforeWrite once, just ahead of the next Modify.
type pausingStore struct {
	Store
	beforeWrite func()
}

func (s *pausingStore) Modify(ctx context.Context, userID, lessonID string, fn func(p *UserProgress, created bool) error) (UserProgress, error) {
	if hook := s.beforeWrite; hook != nil {
		s.beforeWrite = nil
		hook()
	}
	return s.Store.Modify(ctx, userID, lessonID, fn)
}

func TestTracker_CompletionRacingRemoval(t *testing.T) {
	memFrames := content.NewMemoryStore()
	seedContent(t, memFrames)
	chain(t, memFrames)
	sqlStore, sqlFrames := sqlFixture(t)
	chain(t, sqlFrames)

	stores := map[string]struct {
		progress Store
		frames   content.Store
	}{
		"memory": {NewMemoryStore(), memFrames},
		"sqlite": {sqlStore, sqlFrames},
	}
	for name, st := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			ps := &pausingStore{Store: st.progress}
			locker := lock.NewLocalLocker()
			graph := framegraph.New(st.frames, locker)
			tracker := NewTracker(ps, st.frames, graph, locker, nil)
			graph.OnRemove(tracker.ForgetFrame)

			if _, err := tracker.GetOrInit(ctx, "u1", "l1"); err != nil {
				t.Fatal(err)
			}

			// f2 passes the frame check, then is removed and swept before the
			// completion is written.
			ps.beforeWrite = func() {
				if _, err := graph.Remove(ctx, "f2"); err != nil {
					t.Errorf("Remove() error = %v", err)
				}
			}
			_, err := tracker.RecordCompletion(ctx, "u1", "l1", "f2", 1)
			t.Logf("RecordCompletion() error = %v", err)

			p, _, err := tracker.Snapshot(ctx, "u1", "l1")
			if err != nil {
				t.Fatal(err)
			}
			if p.HasCompleted("f2") {
				t.Errorf("removed frame f2 still completed: %+v", p)
			}
			if p.CurrentFrameID == "f2" {
				t.Errorf("CurrentFrameID points at removed frame f2")
			}
			if next, _ := graph.ResolveNext(ctx, "f1"); next != "f3" {
				t.Errorf("ResolveNext(f1) = %q, want f3", next)
			}
		})
	}
}
