package httpapi

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/p-n-ai/pai-play/internal/apperr"
	"github.com/p-n-ai/pai-play/internal/content"
	"github.com/p-n-ai/pai-play/internal/report"
)

type answerRequest struct {
	OptionID string `json:"option_id"`
}

func (req answerRequest) validate() error {
	if req.OptionID == "" {
		return apperr.InvalidArgument("httpapi.answer", "option_id is required")
	}
	return nil
}

func (a *api) handlePlay(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	payload, err := a.Session.GetPlayableFrame(r.Context(), chi.URLParam(r, "lessonID"), id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *api) handleMarkSeen(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := a.Session.MarkSeen(r.Context(), chi.URLParam(r, "lessonID"), id.UserID, chi.URLParam(r, "frameID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"progress":      c.Progress,
		"recorded":      c.Recorded,
		"next_frame_id": c.NextFrameID,
	})
}

func (a *api) handleFrameAnswer(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req answerRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.Session.SubmitQuizAnswer(r.Context(),
		chi.URLParam(r, "lessonID"), id.UserID, chi.URLParam(r, "frameID"), req.OptionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) handleAnswer(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req answerRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.Session.SubmitAnswer(r.Context(), id.UserID, chi.URLParam(r, "quizID"), req.OptionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) handleListProgress(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := a.Session.ListProgress(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": list})
}

func (a *api) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	userID, err := targetUser(id, r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := a.Session.Progress(r.Context(), chi.URLParam(r, "lessonID"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type seekRequest struct {
	FrameID string `json:"frame_id"`
	UserID  string `json:"user_id,omitempty"`
}

// handleSeek moves a position. Students may only return to frames they have
// reached; authoring roles may place any user anywhere in the lesson.
func (a *api) handleSeek(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req seekRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.FrameID == "" {
		writeError(w, r, apperr.InvalidArgument("httpapi.seek", "frame_id is required"))
		return
	}
	userID, err := targetUser(id, req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := a.Session.Seek(r.Context(), chi.URLParam(r, "lessonID"), userID, req.FrameID, id.Role.CanAuthor())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) handleReset(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, r, apperr.InvalidArgument("httpapi.reset", "user_id is required"))
		return
	}
	if err := a.Tracker.Reset(r.Context(), userID, chi.URLParam(r, "lessonID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lessonID := chi.URLParam(r, "lessonID")

	lesson, err := a.Frames.GetLesson(ctx, lessonID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	chain, err := a.Graph.Chain(ctx, lessonID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := a.Tracker.ListByLesson(ctx, lessonID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := report.WriteLessonProgress(&buf, lesson, chain, rows); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="lesson-%s-progress.xlsx"`, lessonID))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (a *api) handleListFrames(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lessonID := chi.URLParam(r, "lessonID")
	if _, err := a.Frames.GetLesson(ctx, lessonID); err != nil {
		writeError(w, r, err)
		return
	}

	filter := content.FrameType(r.URL.Query().Get("frame_type"))
	if filter != "" && !filter.Valid() {
		writeError(w, r, apperr.InvalidArgument("httpapi.listFrames", "unknown frame_type %q", filter))
		return
	}
	chain, err := a.Graph.Chain(ctx, lessonID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	frames := make([]content.Frame, 0, len(chain))
	for _, f := range chain {
		if filter == "" || f.Type == filter {
			frames = append(frames, f)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"frames": frames})
}

type linkRequest struct {
	PredecessorID string `json:"predecessor_id"`
}

func (a *api) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.PredecessorID == "" {
		writeError(w, r, apperr.InvalidArgument("httpapi.link", "predecessor_id is required"))
		return
	}
	frameID := chi.URLParam(r, "frameID")
	if err := a.Graph.Link(r.Context(), req.PredecessorID, frameID); err != nil {
		writeError(w, r, err)
		return
	}
	a.writeFrame(w, r, frameID)
}

func (a *api) handleUnlink(w http.ResponseWriter, r *http.Request) {
	frameID := chi.URLParam(r, "frameID")
	if err := a.Graph.Unlink(r.Context(), frameID); err != nil {
		writeError(w, r, err)
		return
	}
	a.writeFrame(w, r, frameID)
}

func (a *api) writeFrame(w http.ResponseWriter, r *http.Request, frameID string) {
	f, err := a.Frames.GetFrame(r.Context(), frameID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *api) handleRemoveFrame(w http.ResponseWriter, r *http.Request) {
	removed, err := a.Graph.Remove(r.Context(), chi.URLParam(r, "frameID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"frame":             removed.Frame,
		"previous_frame_id": removed.PreviousID,
		"next_frame_id":     removed.NextID,
	})
}

type quizRequest struct {
	ID       string          `json:"id"`
	Question string          `json:"question"`
	Options  []optionRequest `json:"options"`
}

type optionRequest struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	IsCorrect   bool   `json:"is_correct"`
	Explanation string `json:"explanation,omitempty"`
	Position    int    `json:"position,omitempty"`
}

func (a *api) handlePutQuiz(w http.ResponseWriter, r *http.Request) {
	var req quizRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ID == "" {
		writeError(w, r, apperr.InvalidArgument("httpapi.putQuiz", "quiz id is required"))
		return
	}

	q := content.Quiz{ID: req.ID, FrameID: chi.URLParam(r, "frameID"), Question: req.Question}
	for i, o := range req.Options {
		if o.ID == "" {
			writeError(w, r, apperr.InvalidArgument("httpapi.putQuiz", "option %d has no id", i))
			return
		}
		pos := o.Position
		if pos == 0 {
			pos = i
		}
		q.Options = append(q.Options, content.QuizOption{
			ID:          o.ID,
			QuizID:      q.ID,
			Text:        o.Text,
			IsCorrect:   o.IsCorrect,
			Explanation: o.Explanation,
			Position:    pos,
		})
	}
	if err := a.Quizzes.SaveQuiz(r.Context(), q); err != nil {
		writeAuthoringError(w, r, err)
		return
	}
	saved, err := a.Frames.GetQuiz(r.Context(), q.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *api) handlePutOption(w http.ResponseWriter, r *http.Request) {
	var req optionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	q, err := a.Quizzes.SaveOption(r.Context(), content.QuizOption{
		ID:          chi.URLParam(r, "optionID"),
		QuizID:      chi.URLParam(r, "quizID"),
		Text:        req.Text,
		IsCorrect:   req.IsCorrect,
		Explanation: req.Explanation,
		Position:    req.Position,
	})
	if err != nil {
		writeAuthoringError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
