package progress

import (
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/p-n-ai/pai-play/internal/content"
	"github.com/p-n-ai/pai-play/internal/platform/database"
)

func TestPostgres_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := t.Context()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("play"),
		postgres.WithUsername("play"),
		postgres.WithPassword("play"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("postgres.Run() error = %v", err)
	}

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	db, err := database.New(ctx, url, 5, 1)
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(db.Close)
	sqlDB := db.SQL()
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(ctx, sqlDB, database.DialectPostgres); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	frames, err := content.NewSQLStore(sqlDB)
	if err != nil {
		t.Fatal(err)
	}
	seedContent(t, frames)
	if err := frames.ApplyChainEdit(ctx, content.ChainEdit{
		LessonID: "l1",
		Links: []content.Link{
			{FrameID: "f2", PreviousID: "f1"},
			{FrameID: "f3", PreviousID: "f2"},
		},
	}); err != nil {
		t.Fatalf("ApplyChainEdit() error = %v", err)
	}

	store, err := NewSQLStore(sqlDB, database.DialectPostgres)
	if err != nil {
		t.Fatal(err)
	}
	p, err := store.Modify(ctx, "u1", "l1", func(p *UserProgress, created bool) error {
		if !created {
			t.Error("first Modify() should create the record")
		}
		p.CurrentFrameID = "f2"
		p.CompletedFrames = append(p.CompletedFrames, "f1")
		p.Score = 1
		p.LastInteraction = time.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("Modify() error = %v", err)
	}
	if p.CurrentFrameID != "f2" || !p.HasCompleted("f1") {
		t.Errorf("Modify() = %+v", p)
	}

	// Deleting a frame cascades into completed sets and nulls the position.
	if err := frames.ApplyChainEdit(ctx, content.ChainEdit{
		LessonID:    "l1",
		Links:       []content.Link{{FrameID: "f2"}},
		DeleteFrame: "f1",
	}); err != nil {
		t.Fatalf("ApplyChainEdit(delete) error = %v", err)
	}
	got, ok, err := store.Get(ctx, "u1", "l1")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got.HasCompleted("f1") {
		t.Errorf("completed frames still contain deleted frame: %v", got.CompletedFrames)
	}

	events := NewPostgresEventLogger(db.Pool)
	if err := events.LogEvent(ctx, Event{
		UserID:    "u1",
		LessonID:  "l1",
		EventType: EventFrameCompleted,
		Data:      map[string]any{"frame_id": "f1"},
	}); err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}
	var n int
	if err := sqlDB.QueryRowContext(ctx, `SELECT count(*) FROM progress_events WHERE user_id = $1`, "u1").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("progress_events rows = %d, want 1", n)
	}
}
