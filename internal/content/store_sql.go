package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/p-n-ai/pai-play/internal/apperr"
	"github.com/p-n-ai/pai-play/internal/platform/database"
)

// SQLStore is a database/sql backed Store. The same queries run on PostgreSQL
// (pgx stdlib) and SQLite (modernc).
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a content store over a migrated database.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	return &SQLStore{db: db}, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) PutLesson(ctx context.Context, l Lesson) error {
	if l.ID == "" {
		return apperr.InvalidArgument("content.PutLesson", "lesson id is required")
	}
	createdAt := l.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lessons (id, title, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET title = excluded.title`,
		l.ID, l.Title, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put lesson: %w", err)
	}
	return nil
}

func (s *SQLStore) GetLesson(ctx context.Context, id string) (Lesson, error) {
	var l Lesson
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM lessons WHERE id = $1`, id,
	).Scan(&l.ID, &l.Title, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lesson{}, apperr.NotFound("content.GetLesson", "lesson not found: %s", id)
	}
	if err != nil {
		return Lesson{}, fmt.Errorf("get lesson: %w", err)
	}
	l.CreatedAt = time.UnixMilli(createdAt)
	return l, nil
}

func (s *SQLStore) PutBackground(ctx context.Context, b Background) error {
	if b.ID == "" {
		return apperr.InvalidArgument("content.PutBackground", "background id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backgrounds (id, name, image, description) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, image = excluded.image, description = excluded.description`,
		b.ID, b.Name, b.Image, b.Description,
	)
	if err != nil {
		return fmt.Errorf("put background: %w", err)
	}
	return nil
}

func (s *SQLStore) GetBackground(ctx context.Context, id string) (Background, error) {
	var b Background
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, image, description FROM backgrounds WHERE id = $1`, id,
	).Scan(&b.ID, &b.Name, &b.Image, &b.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return Background{}, apperr.NotFound("content.GetBackground", "background not found: %s", id)
	}
	if err != nil {
		return Background{}, fmt.Errorf("get background: %w", err)
	}
	return b, nil
}

func (s *SQLStore) PutFrame(ctx context.Context, f Frame) error {
	const op = "content.PutFrame"
	if f.ID == "" {
		return apperr.InvalidArgument(op, "frame id is required")
	}
	if !f.Type.Valid() {
		return apperr.InvalidArgument(op, "unknown frame type %q", f.Type)
	}
	applyFrameDefaults(&f)

	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := exists(ctx, tx, `SELECT 1 FROM lessons WHERE id = $1`, f.LessonID); err != nil {
			return notFound(err, op, "lesson not found: %s", f.LessonID)
		}
		if f.BackgroundID != "" {
			if err := exists(ctx, tx, `SELECT 1 FROM backgrounds WHERE id = $1`, f.BackgroundID); err != nil {
				return notFound(err, op, "background not found: %s", f.BackgroundID)
			}
		}
		existing, err := scanFrame(tx.QueryRowContext(ctx, frameSelect+` WHERE id = $1`, f.ID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("get frame: %w", err)
		case existing.LessonID != f.LessonID:
			return apperr.Conflict(op, "frame %s belongs to lesson %s", f.ID, existing.LessonID)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO frames (id, lesson_id, name, frame_type, background_id, color, width, height)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO UPDATE SET
			   name = excluded.name,
			   frame_type = excluded.frame_type,
			   background_id = excluded.background_id,
			   color = excluded.color,
			   width = excluded.width,
			   height = excluded.height`,
			f.ID, f.LessonID, f.Name, string(f.Type), nullIfEmpty(f.BackgroundID), f.Color, f.Width, f.Height,
		)
		if err != nil {
			return fmt.Errorf("put frame: %w", err)
		}
		if f.Type != FrameQuiz {
			// Options go with the quiz through ON DELETE CASCADE.
			if _, err := tx.ExecContext(ctx, `DELETE FROM quizzes WHERE frame_id = $1`, f.ID); err != nil {
				return fmt.Errorf("drop quiz of frame %s: %w", f.ID, err)
			}
		}
		return nil
	})
}

const frameSelect = `SELECT id, lesson_id, name, frame_type, background_id, previous_frame_id, color, width, height FROM frames`

func scanFrame(row interface{ Scan(dest ...any) error }) (Frame, error) {
	var f Frame
	var typ string
	var bg, prev sql.NullString
	if err := row.Scan(&f.ID, &f.LessonID, &f.Name, &typ, &bg, &prev, &f.Color, &f.Width, &f.Height); err != nil {
		return Frame{}, err
	}
	f.Type = FrameType(typ)
	f.BackgroundID = bg.String
	f.PreviousFrameID = prev.String
	return f, nil
}

func (s *SQLStore) GetFrame(ctx context.Context, id string) (Frame, error) {
	return getFrame(ctx, s.db, id)
}

func getFrame(ctx context.Context, q queryer, id string) (Frame, error) {
	f, err := scanFrame(q.QueryRowContext(ctx, frameSelect+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Frame{}, apperr.NotFound("content.GetFrame", "frame not found: %s", id)
	}
	if err != nil {
		return Frame{}, fmt.Errorf("get frame: %w", err)
	}
	return f, nil
}

func (s *SQLStore) ListFrames(ctx context.Context, lessonID string) ([]Frame, error) {
	if err := exists(ctx, s.db, `SELECT 1 FROM lessons WHERE id = $1`, lessonID); err != nil {
		return nil, notFound(err, "content.ListFrames", "lesson not found: %s", lessonID)
	}
	rows, err := s.db.QueryContext(ctx, frameSelect+` WHERE lesson_id = $1 ORDER BY id`, lessonID)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()

	frames := []Frame{}
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frames: %w", err)
	}
	return frames, nil
}

func (s *SQLStore) ApplyChainEdit(ctx context.Context, edit ChainEdit) error {
	const op = "content.ApplyChainEdit"

	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, link := range edit.Links {
			f, err := getFrame(ctx, tx, link.FrameID)
			if err != nil {
				return err
			}
			if edit.LessonID != "" && f.LessonID != edit.LessonID {
				return apperr.InvalidArgument(op, "frame %s is not in lesson %s", f.ID, edit.LessonID)
			}
			if link.PreviousID != "" {
				prev, err := getFrame(ctx, tx, link.PreviousID)
				if err != nil {
					return err
				}
				if prev.LessonID != f.LessonID {
					return apperr.InvalidArgument(op, "frames %s and %s are in different lessons", prev.ID, f.ID)
				}
				var other string
				err = tx.QueryRowContext(ctx,
					`SELECT id FROM frames WHERE previous_frame_id = $1 AND id <> $2`,
					link.PreviousID, f.ID,
				).Scan(&other)
				switch {
				case errors.Is(err, sql.ErrNoRows):
				case err != nil:
					return fmt.Errorf("check successor: %w", err)
				default:
					return apperr.Conflict(op, "frame %s already follows %s", other, link.PreviousID)
				}
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE frames SET previous_frame_id = $1 WHERE id = $2`,
				nullIfEmpty(link.PreviousID), f.ID,
			); err != nil {
				return fmt.Errorf("link frame %s: %w", f.ID, err)
			}
		}

		if edit.DeleteFrame != "" {
			res, err := tx.ExecContext(ctx, `DELETE FROM frames WHERE id = $1`, edit.DeleteFrame)
			if err != nil {
				return fmt.Errorf("delete frame: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return apperr.NotFound(op, "frame not found: %s", edit.DeleteFrame)
			}
		}
		return nil
	})
}

func (s *SQLStore) ReplaceScene(ctx context.Context, frameID string, objects []GameObject, dialogues []Dialogue) error {
	const op = "content.ReplaceScene"

	known := make(map[string]bool, len(objects))
	for _, o := range objects {
		known[o.ID] = true
	}
	for _, d := range dialogues {
		if !known[d.GameObjectID] {
			return apperr.InvalidArgument(op, "dialogue %s references unknown object %s", d.ID, d.GameObjectID)
		}
	}

	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := getFrame(ctx, tx, frameID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dialogues WHERE frame_id = $1`, frameID); err != nil {
			return fmt.Errorf("clear dialogues: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM game_objects WHERE frame_id = $1`, frameID); err != nil {
			return fmt.Errorf("clear objects: %w", err)
		}
		for _, o := range objects {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO game_objects (id, frame_id, name, image, position) VALUES ($1, $2, $3, $4, $5)`,
				o.ID, frameID, o.Name, o.Image, o.Position,
			); err != nil {
				return fmt.Errorf("insert object %s: %w", o.ID, err)
			}
		}
		for _, d := range dialogues {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO dialogues (id, frame_id, game_object_id, text, position) VALUES ($1, $2, $3, $4, $5)`,
				d.ID, frameID, d.GameObjectID, d.Text, d.Position,
			); err != nil {
				return fmt.Errorf("insert dialogue %s: %w", d.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) ListObjects(ctx context.Context, frameID string) ([]GameObject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, frame_id, name, image, position FROM game_objects WHERE frame_id = $1 ORDER BY position, id`,
		frameID,
	)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()

	objects := []GameObject{}
	for rows.Next() {
		var o GameObject
		if err := rows.Scan(&o.ID, &o.FrameID, &o.Name, &o.Image, &o.Position); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate objects: %w", err)
	}
	return objects, nil
}

func (s *SQLStore) ListDialogues(ctx context.Context, frameID string) ([]Dialogue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, frame_id, game_object_id, text, position FROM dialogues WHERE frame_id = $1 ORDER BY position, id`,
		frameID,
	)
	if err != nil {
		return nil, fmt.Errorf("list dialogues: %w", err)
	}
	defer rows.Close()

	lines := []Dialogue{}
	for rows.Next() {
		var d Dialogue
		if err := rows.Scan(&d.ID, &d.FrameID, &d.GameObjectID, &d.Text, &d.Position); err != nil {
			return nil, fmt.Errorf("scan dialogue: %w", err)
		}
		lines = append(lines, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dialogues: %w", err)
	}
	return lines, nil
}

func (s *SQLStore) PutQuiz(ctx context.Context, q Quiz) error {
	const op = "content.PutQuiz"
	if q.ID == "" {
		return apperr.InvalidArgument(op, "quiz id is required")
	}

	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := getFrame(ctx, tx, q.FrameID); err != nil {
			return err
		}
		var other string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM quizzes WHERE frame_id = $1 AND id <> $2`, q.FrameID, q.ID,
		).Scan(&other)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("check frame quiz: %w", err)
		default:
			return apperr.Conflict(op, "frame %s already has quiz %s", q.FrameID, other)
		}
		var owner string
		err = tx.QueryRowContext(ctx, `SELECT frame_id FROM quizzes WHERE id = $1`, q.ID).Scan(&owner)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("check quiz: %w", err)
		case owner != q.FrameID:
			return apperr.Conflict(op, "quiz %s belongs to frame %s", q.ID, owner)
		}
		for _, o := range q.Options {
			var owner string
			err := tx.QueryRowContext(ctx, `SELECT quiz_id FROM quiz_options WHERE id = $1`, o.ID).Scan(&owner)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("check option: %w", err)
			case owner != q.ID:
				return apperr.Conflict(op, "option %s belongs to quiz %s", o.ID, owner)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quizzes (id, frame_id, question) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET question = excluded.question`,
			q.ID, q.FrameID, q.Question,
		); err != nil {
			return fmt.Errorf("put quiz: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM quiz_options WHERE quiz_id = $1`, q.ID); err != nil {
			return fmt.Errorf("clear options: %w", err)
		}
		for _, o := range q.Options {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO quiz_options (id, quiz_id, text, is_correct, explanation, position)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				o.ID, q.ID, o.Text, o.IsCorrect, o.Explanation, o.Position,
			); err != nil {
				return fmt.Errorf("insert option %s: %w", o.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) GetQuiz(ctx context.Context, id string) (Quiz, error) {
	var q Quiz
	err := s.db.QueryRowContext(ctx,
		`SELECT id, frame_id, question FROM quizzes WHERE id = $1`, id,
	).Scan(&q.ID, &q.FrameID, &q.Question)
	if errors.Is(err, sql.ErrNoRows) {
		return Quiz{}, apperr.NotFound("content.GetQuiz", "quiz not found: %s", id)
	}
	if err != nil {
		return Quiz{}, fmt.Errorf("get quiz: %w", err)
	}
	return s.withOptions(ctx, q)
}

func (s *SQLStore) GetQuizByFrame(ctx context.Context, frameID string) (Quiz, error) {
	var q Quiz
	err := s.db.QueryRowContext(ctx,
		`SELECT id, frame_id, question FROM quizzes WHERE frame_id = $1`, frameID,
	).Scan(&q.ID, &q.FrameID, &q.Question)
	if errors.Is(err, sql.ErrNoRows) {
		return Quiz{}, apperr.NotFound("content.GetQuizByFrame", "frame %s has no quiz", frameID)
	}
	if err != nil {
		return Quiz{}, fmt.Errorf("get quiz by frame: %w", err)
	}
	return s.withOptions(ctx, q)
}

const optionSelect = `SELECT id, quiz_id, text, is_correct, explanation, position FROM quiz_options`

func scanOption(row interface{ Scan(dest ...any) error }) (QuizOption, error) {
	var o QuizOption
	err := row.Scan(&o.ID, &o.QuizID, &o.Text, &o.IsCorrect, &o.Explanation, &o.Position)
	return o, err
}

func (s *SQLStore) withOptions(ctx context.Context, q Quiz) (Quiz, error) {
	rows, err := s.db.QueryContext(ctx, optionSelect+` WHERE quiz_id = $1 ORDER BY position, id`, q.ID)
	if err != nil {
		return Quiz{}, fmt.Errorf("list options: %w", err)
	}
	defer rows.Close()

	q.Options = []QuizOption{}
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return Quiz{}, fmt.Errorf("scan option: %w", err)
		}
		q.Options = append(q.Options, o)
	}
	if err := rows.Err(); err != nil {
		return Quiz{}, fmt.Errorf("iterate options: %w", err)
	}
	return q, nil
}

func (s *SQLStore) GetOption(ctx context.Context, id string) (QuizOption, error) {
	o, err := scanOption(s.db.QueryRowContext(ctx, optionSelect+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return QuizOption{}, apperr.NotFound("content.GetOption", "option not found: %s", id)
	}
	if err != nil {
		return QuizOption{}, fmt.Errorf("get option: %w", err)
	}
	return o, nil
}

func exists(ctx context.Context, q queryer, query string, args ...any) error {
	var one int
	return q.QueryRowContext(ctx, query, args...).Scan(&one)
}

// notFound converts sql.ErrNoRows into an apperr NotFound and wraps anything else.
func notFound(err error, op, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(op, format, args...)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
