package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/bmravec/gdman/internal/storage"
)

const selectColumns = `SELECT source, destination, kind, title, state, size, completed, reason, instance_id, created_at, updated_at FROM transfers`

type TransferReadRepository struct {
	db *sql.DB
}

func NewTransferReadRepository(dbConn *sql.DB) *TransferReadRepository {
	return &TransferReadRepository{db: dbConn}
}

func (r *TransferReadRepository) GetTransfers(ctx context.Context) ([]storage.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (r *TransferReadRepository) GetTransfer(ctx context.Context, source, destination string) (storage.TransferRecord, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE source = ? AND destination = ?`, source, destination)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TransferRecord{}, storage.ErrNotFound
	}

	return rec, err
}

// GetTransfersByState returns up to limit records in state, oldest first.
func (r *TransferReadRepository) GetTransfersByState(ctx context.Context, state string, limit int) ([]storage.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` WHERE state = ? ORDER BY id LIMIT ?`, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.TransferRecord, error) {
	var (
		record                    storage.TransferRecord
		title, reason, instanceID sql.NullString
		createdAt, updatedAt      sql.NullString
	)

	err := s.Scan(&record.Source, &record.Destination, &record.Kind, &title, &record.State,
		&record.Size, &record.Completed, &reason, &instanceID, &createdAt, &updatedAt)
	if err != nil {
		return storage.TransferRecord{}, err
	}

	record.Title = title.String
	record.Reason = reason.String
	record.InstanceID = instanceID.String
	record.CreatedAt = parseTime(createdAt)
	record.UpdatedAt = parseTime(updatedAt)

	return record, nil
}

func scanRecords(rows *sql.Rows) ([]storage.TransferRecord, error) {
	var records []storage.TransferRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}

	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return time.Time{}
	}

	return t
}
