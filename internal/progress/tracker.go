package progress

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/p-n-ai/pai-play/internal/apperr"
	"github.com/p-n-ai/pai-play/internal/content"
	"github.com/p-n-ai/pai-play/internal/framegraph"
	"github.com/p-n-ai/pai-play/internal/platform/lock"
)

// Status is the play state of a user in a lesson.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// StatusOf derives the status of p against the lesson chain. A lesson is
// completed once every frame of a non-empty chain is in the completed set.
func StatusOf(p *UserProgress, chain []content.Frame) Status {
	if p == nil {
		return StatusNotStarted
	}
	if len(chain) == 0 {
		return StatusInProgress
	}
	for _, f := range chain {
		if !p.HasCompleted(f.ID) {
			return StatusInProgress
		}
	}
	return StatusCompleted
}

// Check decides, inside the progress scope, whether a frame counts as completed
// and how many points it earns.
type Check func(ctx context.Context) (points int, ok bool, err error)

// Completion is the outcome of CompleteIf.
type Completion struct {
	Progress UserProgress
	// Recorded is true only when the frame was newly added to the completed set.
	Recorded    bool
	NextFrameID string
}

// Tracker maintains UserProgress. Every read-modify-write runs under the
// (user, lesson) lock and inside one store transaction.
type Tracker struct {
	store  Store
	frames content.Store
	graph  *framegraph.Graph
	locker lock.Locker
	events EventLogger
	now    func() time.Time
}

// NewTracker creates a progress tracker.
func NewTracker(store Store, frames content.Store, graph *framegraph.Graph, locker lock.Locker, events EventLogger) *Tracker {
	if events == nil {
		events = NopEventLogger{}
	}
	return &Tracker{
		store:  store,
		frames: frames,
		graph:  graph,
		locker: locker,
		events: events,
		now:    time.Now,
	}
}

// GetOrInit returns the user's progress in a lesson, starting it at the chain
// head when absent.
func (t *Tracker) GetOrInit(ctx context.Context, userID, lessonID string) (UserProgress, error) {
	release, err := t.locker.Acquire(ctx, lock.ProgressKey(userID, lessonID))
	if err != nil {
		return UserProgress{}, err
	}
	defer release()

	p, ok, err := t.store.Get(ctx, userID, lessonID)
	if err != nil || ok {
		return p, err
	}
	p, _, err = t.modify(ctx, userID, lessonID, nil)
	return p, err
}

// RecordCompletion adds frameID to the completed set and awards points. Repeating
// it for a completed frame changes nothing but the interaction time.
func (t *Tracker) RecordCompletion(ctx context.Context, userID, lessonID, frameID string, points int) (UserProgress, error) {
	c, err := t.CompleteIf(ctx, userID, lessonID, frameID, func(context.Context) (int, bool, error) {
		return points, true, nil
	})
	return c.Progress, err
}

// CompleteIf runs check and, when it passes, records frameID as completed, all
// under the (user, lesson) lock. On a completed frame the position advances to
// its successor unless the frame is terminal.
func (t *Tracker) CompleteIf(ctx context.Context, userID, lessonID, frameID string, check Check) (Completion, error) {
	const op = "progress.CompleteIf"

	f, err := t.requireFrameInLesson(ctx, op, lessonID, frameID)
	if err != nil {
		return Completion{}, err
	}

	release, err := t.locker.Acquire(ctx, lock.ProgressKey(userID, lessonID))
	if err != nil {
		return Completion{}, err
	}
	defer release()

	points, ok, err := check(ctx)
	if err != nil {
		return Completion{}, err
	}
	if points < 0 {
		return Completion{}, apperr.InvalidArgument(op, "points must not be negative, got %d", points)
	}
	if !ok {
		p, found, err := t.store.Get(ctx, userID, lessonID)
		if err != nil {
			return Completion{}, err
		}
		if !found {
			p, _, err = t.modify(ctx, userID, lessonID, nil)
		}
		return Completion{Progress: p}, err
	}

	next, err := t.graph.ResolveNext(ctx, frameID)
	if err != nil {
		return Completion{}, err
	}

	now := t.now()
	recorded := false
	p, _, err := t.modify(ctx, userID, lessonID, func(p *UserProgress) error {
		p.LastInteraction = now
		if p.HasCompleted(frameID) {
			return nil
		}
		p.CompletedFrames = append(p.CompletedFrames, frameID)
		p.Score += points
		if next != "" {
			p.CurrentFrameID = next
		}
		recorded = true
		return nil
	})
	if err != nil {
		return Completion{}, err
	}

	if recorded {
		// A removal committed after the frame check has already swept this
		// lesson, so the frame is dropped here the same way.
		if _, err := t.frames.GetFrame(ctx, frameID); errors.Is(err, apperr.ErrNotFound) {
			r := framegraph.Removal{Frame: f, PreviousID: f.PreviousFrameID, NextID: next}
			forgotten, err := t.forget(ctx, userID, lessonID, r)
			if err != nil {
				return Completion{}, err
			}
			p = forgotten
		}
		t.emit(ctx, Event{UserID: userID, LessonID: lessonID, EventType: EventFrameCompleted, Data: map[string]any{
			"frame_id": frameID,
			"points":   points,
			"score":    p.Score,
		}})
		t.emitIfLessonCompleted(ctx, p)
	}
	return Completion{Progress: p, Recorded: recorded, NextFrameID: next}, nil
}

// SeekOption restricts SetCurrentFrame.
type SeekOption func(*seekOptions)

type seekOptions struct {
	visitedOnly bool
}

// VisitedOnly limits a seek to completed frames and the current frame.
func VisitedOnly() SeekOption {
	return func(o *seekOptions) { o.visitedOnly = true }
}

// SetCurrentFrame moves the user's position in a lesson to frameID.
func (t *Tracker) SetCurrentFrame(ctx context.Context, userID, lessonID, frameID string, opts ...SeekOption) (UserProgress, error) {
	const op = "progress.SetCurrentFrame"

	var o seekOptions
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := t.requireFrameInLesson(ctx, op, lessonID, frameID); err != nil {
		return UserProgress{}, err
	}

	release, err := t.locker.Acquire(ctx, lock.ProgressKey(userID, lessonID))
	if err != nil {
		return UserProgress{}, err
	}
	defer release()

	now := t.now()
	var from string
	p, _, err := t.modify(ctx, userID, lessonID, func(p *UserProgress) error {
		if o.visitedOnly && p.CurrentFrameID != frameID && !p.HasCompleted(frameID) {
			return apperr.InvalidArgument(op, "frame %s has not been reached yet", frameID)
		}
		from = p.CurrentFrameID
		p.CurrentFrameID = frameID
		p.LastInteraction = now
		return nil
	})
	if err != nil {
		return UserProgress{}, err
	}

	t.emit(ctx, Event{UserID: userID, LessonID: lessonID, EventType: EventSeek, Data: map[string]any{
		"from_frame_id": from,
		"to_frame_id":   frameID,
	}})
	return p, nil
}

// Snapshot returns the user's progress without creating it. ok is false when
// the user never started the lesson.
func (t *Tracker) Snapshot(ctx context.Context, userID, lessonID string) (p UserProgress, ok bool, err error) {
	return t.store.Get(ctx, userID, lessonID)
}

// Status reports where the user stands in a lesson.
func (t *Tracker) Status(ctx context.Context, userID, lessonID string) (Status, error) {
	p, ok, err := t.store.Get(ctx, userID, lessonID)
	if err != nil {
		return "", err
	}
	if !ok {
		if _, err := t.frames.GetLesson(ctx, lessonID); err != nil {
			return "", err
		}
		return StatusNotStarted, nil
	}
	chain, err := t.graph.Chain(ctx, lessonID)
	if err != nil {
		return "", err
	}
	return StatusOf(&p, chain), nil
}

// List returns every lesson the user has started.
func (t *Tracker) List(ctx context.Context, userID string) ([]UserProgress, error) {
	return t.store.List(ctx, userID)
}

// ListByLesson returns the progress of every user in a lesson.
func (t *Tracker) ListByLesson(ctx context.Context, lessonID string) ([]UserProgress, error) {
	if _, err := t.frames.GetLesson(ctx, lessonID); err != nil {
		return nil, err
	}
	return t.store.ListByLesson(ctx, lessonID)
}

// Reset deletes the user's progress in a lesson. It is the only operation that
// removes completed frames or score.
func (t *Tracker) Reset(ctx context.Context, userID, lessonID string) error {
	release, err := t.locker.Acquire(ctx, lock.ProgressKey(userID, lessonID))
	if err != nil {
		return err
	}
	defer release()

	p, ok, err := t.store.Get(ctx, userID, lessonID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("progress.Reset", "user %s has not started lesson %s", userID, lessonID)
	}
	if _, err := t.store.Delete(ctx, userID, lessonID); err != nil {
		return err
	}

	t.emit(ctx, Event{UserID: userID, LessonID: lessonID, EventType: EventReset, Data: map[string]any{
		"score":     p.Score,
		"completed": len(p.CompletedFrames),
	}})
	return nil
}

var errAbsent = errors.New("progress record absent")

// ForgetFrame drops a removed frame from every progress record of its lesson.
// Scores are kept; players positioned on the frame move to its replacement.
func (t *Tracker) ForgetFrame(ctx context.Context, r framegraph.Removal) error {
	lessonID := r.Frame.LessonID
	records, err := t.store.ListByLesson(ctx, lessonID)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if rec.CurrentFrameID != r.Frame.ID && !rec.HasCompleted(r.Frame.ID) {
			continue
		}
		if err := t.forgetOne(ctx, rec.UserID, lessonID, r); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) forgetOne(ctx context.Context, userID, lessonID string, r framegraph.Removal) error {
	release, err := t.locker.Acquire(ctx, lock.ProgressKey(userID, lessonID))
	if err != nil {
		return err
	}
	defer release()

	if _, err := t.forget(ctx, userID, lessonID, r); !errors.Is(err, errAbsent) {
		return err
	}
	return nil
}

// forget drops the removed frame from one record. The caller holds the
// progress lock. errAbsent means there was no record to change.
func (t *Tracker) forget(ctx context.Context, userID, lessonID string, r framegraph.Removal) (UserProgress, error) {
	return t.store.Modify(ctx, userID, lessonID, func(p *UserProgress, created bool) error {
		if created {
			return errAbsent
		}
		p.CompletedFrames = slices.DeleteFunc(p.CompletedFrames, func(id string) bool { return id == r.Frame.ID })
		if p.CurrentFrameID == r.Frame.ID {
			p.CurrentFrameID = r.Replacement()
		}
		return nil
	})
}

// modify applies fn to the record, creating it at the chain head when absent.
// The chain head is resolved before the store transaction opens.
func (t *Tracker) modify(ctx context.Context, userID, lessonID string, fn func(p *UserProgress) error) (UserProgress, bool, error) {
	_, exists, err := t.store.Get(ctx, userID, lessonID)
	if err != nil {
		return UserProgress{}, false, err
	}
	var head string
	if !exists {
		if head, err = t.graph.ResolveChainHead(ctx, lessonID); err != nil {
			return UserProgress{}, false, err
		}
	}

	now := t.now()
	created := false
	p, err := t.store.Modify(ctx, userID, lessonID, func(p *UserProgress, c bool) error {
		created = c
		if c {
			p.CurrentFrameID = head
			p.StartedAt = now
			p.LastInteraction = now
		}
		if fn == nil {
			return nil
		}
		return fn(p)
	})
	if err != nil {
		return UserProgress{}, false, err
	}

	if created {
		t.emit(ctx, Event{UserID: userID, LessonID: lessonID, EventType: EventStarted, Data: map[string]any{
			"current_frame_id": p.CurrentFrameID,
		}})
	}
	return p, created, nil
}

func (t *Tracker) requireFrameInLesson(ctx context.Context, op, lessonID, frameID string) (content.Frame, error) {
	f, err := t.frames.GetFrame(ctx, frameID)
	if err != nil {
		return content.Frame{}, err
	}
	if f.LessonID != lessonID {
		return content.Frame{}, apperr.InvalidArgument(op, "frame %s does not belong to lesson %s", frameID, lessonID)
	}
	return f, nil
}

func (t *Tracker) emitIfLessonCompleted(ctx context.Context, p UserProgress) {
	chain, err := t.graph.Chain(ctx, p.LessonID)
	if err != nil {
		slog.Warn("lesson completion check failed", "lesson_id", p.LessonID, "user_id", p.UserID, "error", err)
		return
	}
	if StatusOf(&p, chain) != StatusCompleted {
		return
	}
	t.emit(ctx, Event{UserID: p.UserID, LessonID: p.LessonID, EventType: EventLessonCompleted, Data: map[string]any{
		"score":  p.Score,
		"frames": len(chain),
	}})
}

func (t *Tracker) emit(ctx context.Context, e Event) {
	e.CreatedAt = t.now()
	if err := t.events.LogEvent(ctx, e); err != nil {
		slog.Warn("progress event not logged", "type", e.EventType, "user_id", e.UserID, "lesson_id", e.LessonID, "error", err)
	}
}
