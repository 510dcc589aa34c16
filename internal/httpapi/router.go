// Package httpapi exposes lesson play and chain authoring over JSON/HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/p-n-ai/pai-play/internal/content"
	"github.com/p-n-ai/pai-play/internal/framegraph"
	"github.com/p-n-ai/pai-play/internal/platform/auth"
	"github.com/p-n-ai/pai-play/internal/progress"
	"github.com/p-n-ai/pai-play/internal/quiz"
	"github.com/p-n-ai/pai-play/internal/session"
)

// Deps are the services the API is built on.
type Deps struct {
	Session  *session.Service
	Tracker  *progress.Tracker
	Graph    *framegraph.Graph
	Quizzes  *quiz.Service
	Frames   content.Store
	Verifier *auth.Verifier

	CORSOrigins    []string
	RequestTimeout time.Duration
}

type api struct {
	Deps
}

// NewRouter builds the API router. Every route requires a bearer token.
func NewRouter(d Deps) *chi.Mux {
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)
	if d.RequestTimeout > 0 {
		r.Use(middleware.Timeout(d.RequestTimeout))
	}
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Content-Disposition"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Group(func(pr chi.Router) {
		pr.Use(auth.Middleware(d.Verifier, writeError))

		pr.Get("/lessons/{lessonID}/play", a.handlePlay)
		pr.Post("/lessons/{lessonID}/frames/{frameID}/seen", a.handleMarkSeen)
		pr.Post("/lessons/{lessonID}/frames/{frameID}/answers", a.handleFrameAnswer)
		pr.Post("/quizzes/{quizID}/answers", a.handleAnswer)

		pr.Get("/progress", a.handleListProgress)
		pr.Get("/lessons/{lessonID}/progress", a.handleGetProgress)
		pr.Put("/lessons/{lessonID}/progress", a.handleSeek)

		pr.Group(func(ar chi.Router) {
			ar.Use(requireAuthor)

			ar.Delete("/lessons/{lessonID}/progress", a.handleReset)
			ar.Get("/lessons/{lessonID}/progress/export", a.handleExport)
			ar.Get("/lessons/{lessonID}/frames", a.handleListFrames)

			ar.Post("/frames/{frameID}/link", a.handleLink)
			ar.Delete("/frames/{frameID}/link", a.handleUnlink)
			ar.Delete("/frames/{frameID}", a.handleRemoveFrame)
			ar.Put("/frames/{frameID}/quiz", a.handlePutQuiz)
			ar.Put("/quizzes/{quizID}/options/{optionID}", a.handlePutOption)
		})
	})

	return r
}

func requireAuthor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := identity(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !id.Role.CanAuthor() {
			writeError(w, r, errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
