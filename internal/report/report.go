// Package report exports lesson progress for teachers.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-play/internal/content"
	"github.com/p-n-ai/pai-play/internal/progress"
)

const sheetName = "Progress"

var header = []any{"User", "Score", "Completed", "Total frames", "Status", "Last interaction"}

// WriteLessonProgress writes one XLSX sheet with a row per user in rows.
// Completed counts only frames still in chain.
func WriteLessonProgress(w io.Writer, lesson content.Lesson, chain []content.Frame, rows []progress.UserProgress) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetDocProps(&excelize.DocProperties{Title: lesson.Title, Subject: lesson.ID}); err != nil {
		return fmt.Errorf("set doc props: %w", err)
	}

	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	if err := f.SetRowStyle(sheetName, 1, 1, bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	if err := f.SetColWidth(sheetName, "A", "F", 18); err != nil {
		return fmt.Errorf("column width: %w", err)
	}

	inChain := make(map[string]bool, len(chain))
	for _, fr := range chain {
		inChain[fr.ID] = true
	}

	for i, p := range rows {
		completed := 0
		for _, id := range p.CompletedFrames {
			if inChain[id] {
				completed++
			}
		}
		row := []any{
			p.UserID,
			p.Score,
			completed,
			len(chain),
			string(progress.StatusOf(&p, chain)),
			p.LastInteraction.UTC().Format(time.RFC3339),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
