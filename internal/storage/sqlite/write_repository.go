package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/bmravec/gdman/internal/storage"
)

// TransferWriteRepository implements storage.TransferWriteRepository
// and stores transfer records in SQLite.
type TransferWriteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewTransferWriteRepository(db *sql.DB) *TransferWriteRepository {
	return &TransferWriteRepository{db: db, now: time.Now}
}

func (r *TransferWriteRepository) TrackTransfer(ctx context.Context, rec storage.TransferRecord) error {
	now := r.now().UTC().Format(timeLayout)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transfers (source, destination, kind, title, state, size, completed, reason, instance_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, destination) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			state = excluded.state,
			size = excluded.size,
			completed = excluded.completed,
			reason = excluded.reason,
			instance_id = excluded.instance_id,
			updated_at = excluded.updated_at
	`, rec.Source, rec.Destination, rec.Kind, rec.Title, rec.State, rec.Size, rec.Completed,
		rec.Reason, rec.InstanceID, now, now)

	return err
}

// UpdateTransferState records a transition. A missing record yields storage.ErrNotFound.
func (r *TransferWriteRepository) UpdateTransferState(ctx context.Context, source, destination, state, reason string, size, completed int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE transfers SET state = ?, reason = ?, size = ?, completed = ?, updated_at = ? WHERE source = ? AND destination = ?`,
		state, reason, size, completed, r.now().UTC().Format(timeLayout), source, destination,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *TransferWriteRepository) DeleteTransfer(ctx context.Context, source, destination string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM transfers WHERE source = ? AND destination = ?`, source, destination)

	return err
}
