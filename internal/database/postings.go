package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"autoposter/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type postingRow struct {
	ID             string        `db:"id"`
	VehicleID      string        `db:"vehicle_id"`
	UserID         string        `db:"user_id"`
	OrganizationID string        `db:"organization_id"`
	ProfileID      string        `db:"profile_id"`
	Status         string        `db:"status"`
	ScheduledAt    int64         `db:"scheduled_at"`
	StartedAt      sql.NullInt64 `db:"started_at"`
	CompletedAt    sql.NullInt64 `db:"completed_at"`
	Error          string        `db:"error"`
	JobID          string        `db:"job_id"`
	Options        string        `db:"options"`
	PreparedAssets string        `db:"prepared_assets"`
	Log            string        `db:"log"`
	SelectedImages string        `db:"selected_images"`
	Title          string        `db:"title"`
	Description    string        `db:"description"`
	ListingURL     string        `db:"listing_url"`
	CreatedAt      int64         `db:"created_at"`
	UpdatedAt      int64         `db:"updated_at"`
}

const postingColumns = `id, vehicle_id, user_id, organization_id, profile_id, status, scheduled_at,
    started_at, completed_at, error, job_id, options, prepared_assets, log, selected_images,
    title, description, listing_url, created_at, updated_at`

func rowFromPosting(p *models.Posting) (postingRow, error) {
	row := postingRow{
		ID:             p.ID,
		VehicleID:      p.VehicleID,
		UserID:         p.UserID,
		OrganizationID: p.OrganizationID,
		ProfileID:      p.ProfileID,
		Status:         string(p.Status),
		ScheduledAt:    toMillis(p.ScheduledTime),
		Error:          p.Error,
		JobID:          p.JobID,
		Title:          p.Title,
		Description:    p.Description,
		ListingURL:     p.ListingURL,
		CreatedAt:      toMillis(p.CreatedAt),
		UpdatedAt:      toMillis(p.UpdatedAt),
	}
	if p.StartedAt != nil {
		row.StartedAt = sql.NullInt64{Int64: toMillis(*p.StartedAt), Valid: true}
	}
	if p.CompletedAt != nil {
		row.CompletedAt = sql.NullInt64{Int64: toMillis(*p.CompletedAt), Valid: true}
	}

	options, err := json.Marshal(p.Options)
	if err != nil {
		return row, fmt.Errorf("encode options: %w", err)
	}
	row.Options = string(options)

	if p.PreparedAssets != nil {
		assets, err := json.Marshal(p.PreparedAssets)
		if err != nil {
			return row, fmt.Errorf("encode prepared assets: %w", err)
		}
		row.PreparedAssets = string(assets)
	}

	logEntries := p.Log
	if logEntries == nil {
		logEntries = []models.LogEntry{}
	}
	logJSON, err := json.Marshal(logEntries)
	if err != nil {
		return row, fmt.Errorf("encode log: %w", err)
	}
	row.Log = string(logJSON)

	images := p.SelectedImages
	if images == nil {
		images = []string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return row, fmt.Errorf("encode selected images: %w", err)
	}
	row.SelectedImages = string(imagesJSON)

	return row, nil
}

func (r postingRow) toModel() (*models.Posting, error) {
	p := &models.Posting{
		ID:             r.ID,
		VehicleID:      r.VehicleID,
		UserID:         r.UserID,
		OrganizationID: r.OrganizationID,
		ProfileID:      r.ProfileID,
		Status:         models.PostingStatus(r.Status),
		ScheduledTime:  fromMillis(r.ScheduledAt),
		Error:          r.Error,
		JobID:          r.JobID,
		Title:          r.Title,
		Description:    r.Description,
		ListingURL:     r.ListingURL,
		CreatedAt:      fromMillis(r.CreatedAt),
		UpdatedAt:      fromMillis(r.UpdatedAt),
	}
	if r.StartedAt.Valid {
		t := fromMillis(r.StartedAt.Int64)
		p.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := fromMillis(r.CompletedAt.Int64)
		p.CompletedAt = &t
	}
	if r.Options != "" {
		if err := json.Unmarshal([]byte(r.Options), &p.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	if r.PreparedAssets != "" {
		var assets models.PreparedAssets
		if err := json.Unmarshal([]byte(r.PreparedAssets), &assets); err != nil {
			return nil, fmt.Errorf("decode prepared assets: %w", err)
		}
		p.PreparedAssets = &assets
	}
	if r.Log != "" {
		if err := json.Unmarshal([]byte(r.Log), &p.Log); err != nil {
			return nil, fmt.Errorf("decode log: %w", err)
		}
	}
	if r.SelectedImages != "" {
		if err := json.Unmarshal([]byte(r.SelectedImages), &p.SelectedImages); err != nil {
			return nil, fmt.Errorf("decode selected images: %w", err)
		}
	}
	return p, nil
}

func rowsToModels(rows []postingRow) ([]*models.Posting, error) {
	out := make([]*models.Posting, 0, len(rows))
	for _, r := range rows {
		p, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// CreatePosting inserts a posting. A non-terminal posting for the same
// (user, vehicle, profile) makes it fail with ErrDuplicateActive; the
// partial unique index keeps that true under concurrent inserts.
func (d *DB) CreatePosting(ctx context.Context, p *models.Posting) error {
	if p.UserID == "" || p.VehicleID == "" {
		return errors.New("posting requires user_id and vehicle_id")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.PostingQueued
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid posting status %q", p.Status)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if len(p.Log) == 0 {
		p.Log = []models.LogEntry{{Message: fmt.Sprintf("created with status %s", p.Status), Timestamp: now}}
	}

	if !p.Status.Terminal() {
		existing, err := d.FindActivePosting(ctx, p.UserID, p.VehicleID, p.ProfileID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrDuplicateActive
		}
	}

	row, err := rowFromPosting(p)
	if err != nil {
		return err
	}

	query := `INSERT INTO postings (` + postingColumns + `) VALUES (
        :id, :vehicle_id, :user_id, :organization_id, :profile_id, :status, :scheduled_at,
        :started_at, :completed_at, :error, :job_id, :options, :prepared_assets, :log, :selected_images,
        :title, :description, :listing_url, :created_at, :updated_at
    ) ON CONFLICT DO NOTHING`
	res, err := d.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("failed to insert posting: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicateActive
	}
	return nil
}

func (d *DB) GetPosting(ctx context.Context, id string) (*models.Posting, error) {
	return d.getPosting(ctx, d.db, `SELECT `+postingColumns+` FROM postings WHERE id = ?`, id)
}

func (d *DB) GetPostingByJobID(ctx context.Context, jobID string) (*models.Posting, error) {
	if jobID == "" {
		return nil, ErrNotFound
	}
	return d.getPosting(ctx, d.db, `SELECT `+postingColumns+` FROM postings WHERE job_id = ? ORDER BY updated_at DESC LIMIT 1`, jobID)
}

func (d *DB) getPosting(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*models.Posting, error) {
	var row postingRow
	if err := sqlx.GetContext(ctx, q, &row, d.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get posting: %w", err)
	}
	return row.toModel()
}

// FindActivePosting returns the non-terminal posting for the triple, or nil.
func (d *DB) FindActivePosting(ctx context.Context, userID, vehicleID, profileID string) (*models.Posting, error) {
	p, err := d.getPosting(ctx, d.db, `SELECT `+postingColumns+` FROM postings
        WHERE user_id = ? AND vehicle_id = ? AND profile_id = ?
        AND status IN ('queued', 'scheduled', 'processing')
        LIMIT 1`, userID, vehicleID, profileID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// LatestScheduledPosting returns the scheduled posting with the greatest
// scheduled time for the user and profile, or nil.
func (d *DB) LatestScheduledPosting(ctx context.Context, userID, profileID string) (*models.Posting, error) {
	p, err := d.getPosting(ctx, d.db, `SELECT `+postingColumns+` FROM postings
        WHERE user_id = ? AND profile_id = ? AND status = ?
        ORDER BY scheduled_at DESC
        LIMIT 1`, userID, profileID, string(models.PostingScheduled))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// DuePostings lists scheduled postings with from <= scheduled time <= to.
func (d *DB) DuePostings(ctx context.Context, from, to time.Time) ([]*models.Posting, error) {
	var rows []postingRow
	query := d.db.Rebind(`SELECT ` + postingColumns + ` FROM postings
        WHERE status = ? AND scheduled_at >= ? AND scheduled_at <= ?
        ORDER BY scheduled_at ASC`)
	if err := d.db.SelectContext(ctx, &rows, query, string(models.PostingScheduled), toMillis(from), toMillis(to)); err != nil {
		return nil, fmt.Errorf("failed to list due postings: %w", err)
	}
	return rowsToModels(rows)
}

// StaleProcessing lists processing postings started at or before cutoff,
// oldest first.
func (d *DB) StaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*models.Posting, error) {
	if limit <= 0 || limit > models.MaxListPostings {
		limit = models.MaxListPostings
	}
	var rows []postingRow
	query := d.db.Rebind(`SELECT ` + postingColumns + ` FROM postings
        WHERE status = ? AND started_at IS NOT NULL AND started_at <= ?
        ORDER BY started_at ASC
        LIMIT ?`)
	if err := d.db.SelectContext(ctx, &rows, query, string(models.PostingProcessing), toMillis(cutoff), limit); err != nil {
		return nil, fmt.Errorf("failed to list stale postings: %w", err)
	}
	return rowsToModels(rows)
}

func (d *DB) ListPostingsByUser(ctx context.Context, userID string, limit int) ([]*models.Posting, error) {
	if limit <= 0 || limit > models.MaxListPostings {
		limit = models.MaxListPostings
	}
	var rows []postingRow
	query := d.db.Rebind(`SELECT ` + postingColumns + ` FROM postings
        WHERE user_id = ?
        ORDER BY scheduled_at DESC
        LIMIT ?`)
	if err := d.db.SelectContext(ctx, &rows, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list postings: %w", err)
	}
	return rowsToModels(rows)
}

// selectForUpdate reads one posting inside a read-modify-write transaction.
// Postgres needs the row lock; sqlite already serializes writers on its single
// connection and has no FOR UPDATE.
func (d *DB) selectForUpdate() string {
	query := `SELECT ` + postingColumns + ` FROM postings WHERE id = ?`
	if d.driver == "pgx" {
		query += ` FOR UPDATE`
	}
	return query
}

// ClaimPosting moves a posting from one status to another only if it is
// still in the expected status. It reports whether this caller won.
func (d *DB) ClaimPosting(ctx context.Context, id string, from, to models.PostingStatus) (bool, error) {
	claimed := false
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := d.getPosting(ctx, tx, d.selectForUpdate(), id)
		if err != nil {
			return err
		}
		if current.Status != from {
			return nil
		}

		now := time.Now().UTC()
		entries := append(current.Log, models.LogEntry{
			Message:   fmt.Sprintf("status %s -> %s", from, to),
			Timestamp: now,
		})
		logJSON, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("encode log: %w", err)
		}

		started := current.StartedAt
		if to == models.PostingProcessing && started == nil {
			started = &now
		}
		var startedAt sql.NullInt64
		if started != nil {
			startedAt = sql.NullInt64{Int64: toMillis(*started), Valid: true}
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE postings
            SET status = ?, started_at = ?, log = ?, updated_at = ?
            WHERE id = ? AND status = ?`),
			string(to), startedAt, string(logJSON), toMillis(now), id, string(from))
		if err != nil {
			return fmt.Errorf("failed to claim posting: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		claimed = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// UpdatePosting applies a partial update and appends a log entry whenever
// the status or the error changes.
func (d *DB) UpdatePosting(ctx context.Context, id string, patch models.PostingPatch) (*models.Posting, error) {
	var updated *models.Posting
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		p, err := d.getPosting(ctx, tx, d.selectForUpdate(), id)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if patch.Status != nil && *patch.Status != p.Status {
			if !patch.Status.Valid() {
				return fmt.Errorf("invalid posting status %q", *patch.Status)
			}
			p.Log = append(p.Log, models.LogEntry{
				Message:   fmt.Sprintf("status %s -> %s", p.Status, *patch.Status),
				Timestamp: now,
			})
			p.Status = *patch.Status
		}
		if patch.Error != nil && *patch.Error != p.Error {
			p.Error = *patch.Error
			if p.Error != "" {
				p.Log = append(p.Log, models.LogEntry{Message: "error: " + p.Error, Timestamp: now})
			}
		}
		if patch.LogMessage != "" {
			p.Log = append(p.Log, models.LogEntry{Message: patch.LogMessage, Timestamp: now})
		}
		if patch.StartedAt != nil {
			p.StartedAt = patch.StartedAt
		}
		if patch.CompletedAt != nil {
			p.CompletedAt = patch.CompletedAt
		}
		if patch.JobID != nil {
			p.JobID = *patch.JobID
		}
		if patch.PreparedAssets != nil {
			p.PreparedAssets = patch.PreparedAssets
		}
		if patch.ListingURL != nil {
			p.ListingURL = *patch.ListingURL
		}
		p.UpdatedAt = now

		row, err := rowFromPosting(p)
		if err != nil {
			return err
		}
		_, err = tx.NamedExecContext(ctx, `UPDATE postings SET
            status = :status, started_at = :started_at, completed_at = :completed_at,
            error = :error, job_id = :job_id, prepared_assets = :prepared_assets,
            log = :log, listing_url = :listing_url, updated_at = :updated_at
            WHERE id = :id`, row)
		if err != nil {
			return fmt.Errorf("failed to update posting: %w", err)
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (d *DB) DeletePosting(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`DELETE FROM postings WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete posting: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
