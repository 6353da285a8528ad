package sqlite

import (
	"context"
	"database/sql"

	"github.com/bmravec/gdman/internal/storage"
	"github.com/bmravec/gdman/internal/telemetry"
)

// InstrumentedTransferRepository wraps TransferRepository with telemetry.
type InstrumentedTransferRepository struct {
	repo      *TransferRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedTransferRepository creates a new instrumented transfer repository.
func NewInstrumentedTransferRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTransferRepository {
	return &InstrumentedTransferRepository{
		repo:      NewTransferRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedTransferRepository) GetTransfers(ctx context.Context) ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_transfers", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetTransfers(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedTransferRepository) GetTransfer(ctx context.Context, source, destination string) (storage.TransferRecord, error) {
	var result storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_transfer", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetTransfer(ctx, source, destination)

		return err
	})

	return result, err
}

func (r *InstrumentedTransferRepository) GetTransfersByState(ctx context.Context, state string, limit int) ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_transfers_by_state", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetTransfersByState(ctx, state, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedTransferRepository) TrackTransfer(ctx context.Context, rec storage.TransferRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "track_transfer", func(ctx context.Context) error {
		return r.repo.TrackTransfer(ctx, rec)
	})
}

func (r *InstrumentedTransferRepository) UpdateTransferState(ctx context.Context, source, destination, state, reason string, size, completed int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_transfer_state", func(ctx context.Context) error {
		return r.repo.UpdateTransferState(ctx, source, destination, state, reason, size, completed)
	})
}

func (r *InstrumentedTransferRepository) DeleteTransfer(ctx context.Context, source, destination string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_transfer", func(ctx context.Context) error {
		return r.repo.DeleteTransfer(ctx, source, destination)
	})
}
