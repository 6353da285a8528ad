package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("transfer record not found")

// TransferRecord is the history entry of one transfer, keyed by source and destination.
type TransferRecord struct {
	Source      string
	Destination string
	Kind        string
	Title       string
	State       string
	Size        int64
	Completed   int64
	Reason      string
	InstanceID  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type TransferReadRepository interface {
	GetTransfers(ctx context.Context) ([]TransferRecord, error)
	GetTransfer(ctx context.Context, source, destination string) (TransferRecord, error)
	GetTransfersByState(ctx context.Context, state string, limit int) ([]TransferRecord, error)
}

type TransferWriteRepository interface {
	// TrackTransfer inserts rec, or refreshes the existing entry for the same source and destination.
	TrackTransfer(ctx context.Context, rec TransferRecord) error
	UpdateTransferState(ctx context.Context, source, destination, state, reason string, size, completed int64) error
	DeleteTransfer(ctx context.Context, source, destination string) error
}

type TransferRepository interface {
	TransferReadRepository
	TransferWriteRepository
}
