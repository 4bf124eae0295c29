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

type vehicleRow struct {
	ID             string `db:"id"`
	OrganizationID string `db:"organization_id"`
	Status         string `db:"status"`
	Data           string `db:"data"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r vehicleRow) toModel() (*models.Vehicle, error) {
	var v models.Vehicle
	if err := json.Unmarshal([]byte(r.Data), &v); err != nil {
		return nil, fmt.Errorf("decode vehicle: %w", err)
	}
	v.ID = r.ID
	v.OrganizationID = r.OrganizationID
	v.Status = r.Status
	v.UpdatedAt = fromMillis(r.UpdatedAt)
	return &v, nil
}

// UpsertVehicle stores the inventory snapshot of a vehicle.
func (d *DB) UpsertVehicle(ctx context.Context, v *models.Vehicle) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Status == "" {
		v.Status = models.VehicleAvailable
	}
	v.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode vehicle: %w", err)
	}

	_, err = d.db.ExecContext(ctx, d.db.Rebind(`INSERT INTO vehicles (id, organization_id, status, data, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            organization_id = excluded.organization_id,
            status = excluded.status,
            data = excluded.data,
            updated_at = excluded.updated_at`),
		v.ID, v.OrganizationID, v.Status, string(data), toMillis(v.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert vehicle: %w", err)
	}
	return nil
}

func (d *DB) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	return d.getVehicle(ctx, d.db, id)
}

func (d *DB) getVehicle(ctx context.Context, q sqlx.QueryerContext, id string) (*models.Vehicle, error) {
	var row vehicleRow
	err := sqlx.GetContext(ctx, q, &row, d.db.Rebind(`SELECT id, organization_id, status, data, updated_at FROM vehicles WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get vehicle: %w", err)
	}
	return row.toModel()
}

// MarkVehiclePosted sets the vehicle to posted and appends one history entry.
func (d *DB) MarkVehiclePosted(ctx context.Context, vehicleID string, entry models.PostingHistoryEntry) error {
	return d.withTx(ctx, func(tx *sqlx.Tx) error {
		v, err := d.getVehicle(ctx, tx, vehicleID)
		if err != nil {
			return err
		}
		if entry.PostedAt.IsZero() {
			entry.PostedAt = time.Now().UTC()
		}
		for _, h := range v.PostingHistory {
			if h.PostingID != "" && h.PostingID == entry.PostingID {
				// already recorded for this posting
				return nil
			}
		}
		v.PostingHistory = append(v.PostingHistory, entry)
		v.Status = models.VehiclePosted
		v.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode vehicle: %w", err)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE vehicles SET status = ?, data = ?, updated_at = ? WHERE id = ?`),
			v.Status, string(data), toMillis(v.UpdatedAt), vehicleID)
		if err != nil {
			return fmt.Errorf("failed to mark vehicle posted: %w", err)
		}
		return nil
	})
}
