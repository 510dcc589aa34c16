package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/p-n-ai/pai-play/internal/platform/database"
)

// SQLStore is a database/sql backed Store for PostgreSQL and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLStore creates a progress store over a migrated database.
func NewSQLStore(db *sql.DB, dialect database.Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

const progressSelect = `SELECT user_id, lesson_id, current_frame_id, score, started_at, last_interaction FROM user_progress`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanProgress(row interface{ Scan(dest ...any) error }) (UserProgress, error) {
	var p UserProgress
	var current sql.NullString
	var startedAt, lastInteraction int64
	if err := row.Scan(&p.UserID, &p.LessonID, &current, &p.Score, &startedAt, &lastInteraction); err != nil {
		return UserProgress{}, err
	}
	p.CurrentFrameID = current.String
	p.StartedAt = time.UnixMilli(startedAt)
	p.LastInteraction = time.UnixMilli(lastInteraction)
	p.CompletedFrames = []string{}
	return p, nil
}

func (s *SQLStore) Modify(ctx context.Context, userID, lessonID string, fn func(p *UserProgress, created bool) error) (UserProgress, error) {
	var out UserProgress
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO user_progress (user_id, lesson_id, score, started_at, last_interaction)
			 VALUES ($1, $2, 0, $3, $3)
			 ON CONFLICT (user_id, lesson_id) DO NOTHING`,
			userID, lessonID, now,
		)
		if err != nil {
			return fmt.Errorf("init progress: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("init progress: %w", err)
		}
		created := n == 1

		query := progressSelect + ` WHERE user_id = $1 AND lesson_id = $2`
		if s.dialect == database.DialectPostgres {
			query += ` FOR UPDATE`
		}
		p, err := scanProgress(tx.QueryRowContext(ctx, query, userID, lessonID))
		if err != nil {
			return fmt.Errorf("load progress: %w", err)
		}
		if p.CompletedFrames, err = completedFrames(ctx, tx, userID, lessonID); err != nil {
			return err
		}
		before := make(map[string]bool, len(p.CompletedFrames))
		for _, id := range p.CompletedFrames {
			before[id] = true
		}

		if err := fn(&p, created); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE user_progress
			 SET current_frame_id = $3, score = $4, started_at = $5, last_interaction = $6
			 WHERE user_id = $1 AND lesson_id = $2`,
			userID, lessonID, nullIfEmpty(p.CurrentFrameID), p.Score,
			p.StartedAt.UnixMilli(), p.LastInteraction.UnixMilli(),
		); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}

		after := make(map[string]bool, len(p.CompletedFrames))
		for _, id := range p.CompletedFrames {
			after[id] = true
			if before[id] {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO progress_completed_frames (user_id, lesson_id, frame_id, completed_at)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (user_id, lesson_id, frame_id) DO NOTHING`,
				userID, lessonID, id, p.LastInteraction.UnixMilli(),
			); err != nil {
				return fmt.Errorf("insert completed frame %s: %w", id, err)
			}
		}
		for id := range before {
			if after[id] {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM progress_completed_frames WHERE user_id = $1 AND lesson_id = $2 AND frame_id = $3`,
				userID, lessonID, id,
			); err != nil {
				return fmt.Errorf("delete completed frame %s: %w", id, err)
			}
		}

		out = p
		return nil
	})
	if err != nil {
		return UserProgress{}, err
	}
	return out, nil
}

func completedFrames(ctx context.Context, q queryer, userID, lessonID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT frame_id FROM progress_completed_frames
		 WHERE user_id = $1 AND lesson_id = $2
		 ORDER BY completed_at, frame_id`,
		userID, lessonID,
	)
	if err != nil {
		return nil, fmt.Errorf("query completed frames: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan completed frame: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed frames: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) Get(ctx context.Context, userID, lessonID string) (UserProgress, bool, error) {
	p, err := scanProgress(s.db.QueryRowContext(ctx,
		progressSelect+` WHERE user_id = $1 AND lesson_id = $2`, userID, lessonID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return UserProgress{}, false, nil
	}
	if err != nil {
		return UserProgress{}, false, fmt.Errorf("get progress: %w", err)
	}
	if p.CompletedFrames, err = completedFrames(ctx, s.db, userID, lessonID); err != nil {
		return UserProgress{}, false, err
	}
	return p, true, nil
}

func (s *SQLStore) List(ctx context.Context, userID string) ([]UserProgress, error) {
	return s.list(ctx, progressSelect+` WHERE user_id = $1 ORDER BY lesson_id`, userID)
}

func (s *SQLStore) ListByLesson(ctx context.Context, lessonID string) ([]UserProgress, error) {
	return s.list(ctx, progressSelect+` WHERE lesson_id = $1 ORDER BY user_id`, lessonID)
}

func (s *SQLStore) list(ctx context.Context, query string, arg string) ([]UserProgress, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	out := []UserProgress{}
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}

	// Completed sets are read after the cursor closes; SQLite runs on one connection.
	for i := range out {
		if out[i].CompletedFrames, err = completedFrames(ctx, s.db, out[i].UserID, out[i].LessonID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, userID, lessonID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_progress WHERE user_id = $1 AND lesson_id = $2`, userID, lessonID,
	)
	if err != nil {
		return false, fmt.Errorf("delete progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete progress: %w", err)
	}
	return n > 0, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
