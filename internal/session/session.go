// Package session assembles what a player sees and routes what a player does
// to the quiz, frame graph and progress components.
package session

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/p-n-ai/pai-play/internal/apperr"
	"github.com/p-n-ai/pai-play/internal/content"
	"github.com/p-n-ai/pai-play/internal/framegraph"
	"github.com/p-n-ai/pai-play/internal/progress"
	"github.com/p-n-ai/pai-play/internal/quiz"
)

// pointsPerQuiz is awarded once per newly completed quiz frame.
const pointsPerQuiz = 1

// FramePayload is everything a client needs to render one frame.
type FramePayload struct {
	Frame       content.Frame         `json:"frame"`
	Background  *content.Background   `json:"background,omitempty"`
	Objects     []ObjectPayload       `json:"objects"`
	Quiz        *QuizPayload          `json:"quiz,omitempty"`
	NextFrameID string                `json:"next_frame_id,omitempty"`
	Progress    progress.UserProgress `json:"progress"`
	Status      progress.Status       `json:"status"`
}

// ObjectPayload is a game object with the lines it speaks, in order.
type ObjectPayload struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Image     string        `json:"image,omitempty"`
	Dialogues []DialogueRow `json:"dialogues"`
}

// DialogueRow is one spoken line.
type DialogueRow struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// QuizPayload is a quiz as shown to a player. It never carries correctness
// flags or explanations.
type QuizPayload struct {
	ID       string          `json:"id"`
	Question string          `json:"question"`
	Options  []OptionPayload `json:"options"`
}

// OptionPayload is one answer choice as shown to a player.
type OptionPayload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Answer is the outcome of a quiz submission.
type Answer struct {
	quiz.Result
	NextFrameID string                `json:"next_frame_id,omitempty"`
	Recorded    bool                  `json:"recorded"`
	Progress    progress.UserProgress `json:"progress"`
}

// ProgressView is a user's progress with its derived status.
type ProgressView struct {
	progress.UserProgress
	Status      progress.Status `json:"status"`
	TotalFrames int             `json:"total_frames"`
}

// Service is the player-facing facade.
type Service struct {
	frames  content.Store
	graph   *framegraph.Graph
	quizzes *quiz.Service
	tracker *progress.Tracker
}

// New creates a session service.
func New(frames content.Store, graph *framegraph.Graph, quizzes *quiz.Service, tracker *progress.Tracker) *Service {
	return &Service{
		frames:  frames,
		graph:   graph,
		quizzes: quizzes,
		tracker: tracker,
	}
}

// GetPlayableFrame returns the frame the user should see next in a lesson,
// starting the lesson when needed.
func (s *Service) GetPlayableFrame(ctx context.Context, lessonID, userID string) (FramePayload, error) {
	const op = "session.GetPlayableFrame"

	if _, err := s.frames.GetLesson(ctx, lessonID); err != nil {
		return FramePayload{}, err
	}
	p, err := s.tracker.GetOrInit(ctx, userID, lessonID)
	if err != nil {
		return FramePayload{}, err
	}
	chain, err := s.graph.Chain(ctx, lessonID)
	if err != nil {
		return FramePayload{}, err
	}
	if len(chain) == 0 {
		return FramePayload{}, apperr.NotFound(op, "lesson %s has no frames", lessonID)
	}

	frame, ok := findFrame(chain, p.CurrentFrameID)
	if !ok {
		frame = resumeFrame(chain, p)
	}

	payload, err := s.assemble(ctx, frame)
	if err != nil {
		return FramePayload{}, err
	}
	payload.Progress = p
	payload.Status = progress.StatusOf(&p, chain)
	return payload, nil
}

// resumeFrame picks the first chain frame the user has not completed, or the
// last frame when every frame is done.
func resumeFrame(chain []content.Frame, p progress.UserProgress) content.Frame {
	for _, f := range chain {
		if !p.HasCompleted(f.ID) {
			return f
		}
	}
	return chain[len(chain)-1]
}

func findFrame(chain []content.Frame, id string) (content.Frame, bool) {
	if id == "" {
		return content.Frame{}, false
	}
	for _, f := range chain {
		if f.ID == id {
			return f, true
		}
	}
	return content.Frame{}, false
}

func (s *Service) assemble(ctx context.Context, frame content.Frame) (FramePayload, error) {
	payload := FramePayload{Frame: frame, Objects: []ObjectPayload{}}

	var (
		objects   []content.GameObject
		dialogues []content.Dialogue
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if frame.BackgroundID == "" {
			return nil
		}
		bg, err := s.frames.GetBackground(gctx, frame.BackgroundID)
		if err != nil {
			return err
		}
		payload.Background = &bg
		return nil
	})
	g.Go(func() (err error) {
		objects, err = s.frames.ListObjects(gctx, frame.ID)
		return err
	})
	g.Go(func() (err error) {
		dialogues, err = s.frames.ListDialogues(gctx, frame.ID)
		return err
	})
	g.Go(func() (err error) {
		payload.NextFrameID, err = s.graph.ResolveNext(gctx, frame.ID)
		return err
	})
	if frame.Type == content.FrameQuiz {
		g.Go(func() error {
			q, err := s.playerQuiz(gctx, frame.ID)
			if err != nil {
				return err
			}
			payload.Quiz = &q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return FramePayload{}, err
	}

	byObject := make(map[string][]DialogueRow, len(objects))
	for _, d := range dialogues {
		byObject[d.GameObjectID] = append(byObject[d.GameObjectID], DialogueRow{ID: d.ID, Text: d.Text})
	}
	for _, o := range objects {
		lines := byObject[o.ID]
		if lines == nil {
			lines = []DialogueRow{}
		}
		payload.Objects = append(payload.Objects, ObjectPayload{
			ID:        o.ID,
			Name:      o.Name,
			Image:     o.Image,
			Dialogues: lines,
		})
	}
	return payload, nil
}

// playerQuiz loads the quiz of a quiz frame without its answers. A quiz frame
// with no quiz, or with a broken option set, fails closed.
func (s *Service) playerQuiz(ctx context.Context, frameID string) (QuizPayload, error) {
	q, err := s.frames.GetQuizByFrame(ctx, frameID)
	if errors.Is(err, apperr.ErrNotFound) {
		return QuizPayload{}, apperr.InvalidState("session.playerQuiz", "quiz frame %s has no quiz", frameID)
	}
	if err != nil {
		return QuizPayload{}, err
	}
	if err := content.CheckSingleCorrect(q); err != nil {
		return QuizPayload{}, err
	}

	out := QuizPayload{ID: q.ID, Question: q.Question, Options: make([]OptionPayload, 0, len(q.Options))}
	for _, o := range q.Options {
		out.Options = append(out.Options, OptionPayload{ID: o.ID, Text: o.Text})
	}
	return out, nil
}

// SubmitQuizAnswer validates optionID against the quiz of frameID and, when
// correct, records the frame as completed. Validation and the progress update
// run as one unit under the user's lesson lock.
func (s *Service) SubmitQuizAnswer(ctx context.Context, lessonID, userID, frameID, optionID string) (Answer, error) {
	const op = "session.SubmitQuizAnswer"

	frame, err := s.frames.GetFrame(ctx, frameID)
	if err != nil {
		return Answer{}, err
	}
	if frame.Type != content.FrameQuiz {
		return Answer{}, apperr.InvalidArgument(op, "frame %s is not a quiz frame", frameID)
	}
	q, err := s.frames.GetQuizByFrame(ctx, frameID)
	if errors.Is(err, apperr.ErrNotFound) {
		return Answer{}, apperr.InvalidState(op, "quiz frame %s has no quiz", frameID)
	}
	if err != nil {
		return Answer{}, err
	}

	var result quiz.Result
	c, err := s.tracker.CompleteIf(ctx, userID, lessonID, frameID, func(ctx context.Context) (int, bool, error) {
		r, err := s.quizzes.ValidateAnswer(ctx, q.ID, optionID)
		if err != nil {
			return 0, false, err
		}
		result = r
		return pointsPerQuiz, r.IsCorrect, nil
	})
	if err != nil {
		return Answer{}, err
	}

	return Answer{
		Result:      result,
		NextFrameID: c.NextFrameID,
		Recorded:    c.Recorded,
		Progress:    c.Progress,
	}, nil
}

// SubmitAnswer is SubmitQuizAnswer addressed by quiz id. The lesson and frame
// are derived from the quiz.
func (s *Service) SubmitAnswer(ctx context.Context, userID, quizID, optionID string) (Answer, error) {
	q, err := s.frames.GetQuiz(ctx, quizID)
	if err != nil {
		return Answer{}, err
	}
	frame, err := s.frames.GetFrame(ctx, q.FrameID)
	if err != nil {
		return Answer{}, err
	}
	return s.SubmitQuizAnswer(ctx, frame.LessonID, userID, frame.ID, optionID)
}

// MarkSeen completes a non-quiz frame. Seen frames earn no points.
func (s *Service) MarkSeen(ctx context.Context, lessonID, userID, frameID string) (progress.Completion, error) {
	frame, err := s.frames.GetFrame(ctx, frameID)
	if err != nil {
		return progress.Completion{}, err
	}
	if frame.Type == content.FrameQuiz {
		return progress.Completion{}, apperr.InvalidArgument("session.MarkSeen", "quiz frame %s is completed by answering", frameID)
	}
	return s.tracker.CompleteIf(ctx, userID, lessonID, frameID, func(context.Context) (int, bool, error) {
		return 0, true, nil
	})
}

// Seek moves the user's position. Without override the target must be the
// current frame or one the user already completed.
func (s *Service) Seek(ctx context.Context, lessonID, userID, frameID string, override bool) (progress.UserProgress, error) {
	var opts []progress.SeekOption
	if !override {
		opts = append(opts, progress.VisitedOnly())
	}
	return s.tracker.SetCurrentFrame(ctx, userID, lessonID, frameID, opts...)
}

// Progress returns the user's progress in a lesson. A lesson the user never
// started is NotFound.
func (s *Service) Progress(ctx context.Context, lessonID, userID string) (ProgressView, error) {
	if _, err := s.frames.GetLesson(ctx, lessonID); err != nil {
		return ProgressView{}, err
	}
	p, ok, err := s.tracker.Snapshot(ctx, userID, lessonID)
	if err != nil {
		return ProgressView{}, err
	}
	if !ok {
		return ProgressView{}, apperr.NotFound("session.Progress", "user %s has not started lesson %s", userID, lessonID)
	}
	chain, err := s.graph.Chain(ctx, lessonID)
	if err != nil {
		return ProgressView{}, err
	}
	return ProgressView{
		UserProgress: p,
		Status:       progress.StatusOf(&p, chain),
		TotalFrames:  len(chain),
	}, nil
}

// ListProgress returns every lesson the user has started.
func (s *Service) ListProgress(ctx context.Context, userID string) ([]progress.UserProgress, error) {
	return s.tracker.List(ctx, userID)
}
