package api

import (
	"fmt"
	"net/http"
	"time"

	"autoposter/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/xuri/excelize/v2"
)

const exportSheet = "Postings"

var exportHeaders = []string{
	"Posting ID", "Vehicle ID", "Profile ID", "Status", "Scheduled",
	"Started", "Completed", "Listing URL", "Title", "Error",
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	postings, err := s.deps.Postings.ListPostingsByUser(r.Context(), userID, models.MaxListPostings)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("failed to list postings for export")
		writeError(w, http.StatusInternalServerError, "failed to list postings")
		return
	}

	f, err := buildPostingsWorkbook(postings)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("failed to build export")
		writeError(w, http.StatusInternalServerError, "failed to build export")
		return
	}
	defer f.Close()

	fileName := fmt.Sprintf("postings_%s_%s.xlsx", userID, s.clock.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.WriteHeader(http.StatusOK)
	if err := f.Write(w); err != nil {
		s.log.Error().Err(err).Msg("failed to write export")
	}
}

func buildPostingsWorkbook(postings []*models.Posting) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(exportSheet, cell, h)
		_ = f.SetCellStyle(exportSheet, cell, cell, headerStyle)
	}

	failedStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FCE4D6"}, Pattern: 1},
	})
	for i, p := range postings {
		row := i + 2
		values := []any{
			p.ID, p.VehicleID, p.ProfileID, string(p.Status), formatTime(&p.ScheduledTime),
			formatTime(p.StartedAt), formatTime(p.CompletedAt), p.ListingURL, p.Title, p.Error,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(exportSheet, cell, v)
		}
		if p.Status == models.PostingFailed || p.Status == models.PostingTimeout {
			first, _ := excelize.CoordinatesToCellName(1, row)
			last, _ := excelize.CoordinatesToCellName(len(exportHeaders), row)
			_ = f.SetCellStyle(exportSheet, first, last, failedStyle)
		}
	}

	_ = f.SetColWidth(exportSheet, "A", "C", 38)
	_ = f.SetColWidth(exportSheet, "D", "G", 20)
	_ = f.SetColWidth(exportSheet, "H", "J", 40)
	return f, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
