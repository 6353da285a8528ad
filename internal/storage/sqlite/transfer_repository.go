package sqlite

import "database/sql"

// TransferRepository combines the read and write sides over one connection.
type TransferRepository struct {
	*TransferReadRepository
	*TransferWriteRepository
}

func NewTransferRepository(dbConn *sql.DB) *TransferRepository {
	return &TransferRepository{
		TransferReadRepository:  NewTransferReadRepository(dbConn),
		TransferWriteRepository: NewTransferWriteRepository(dbConn),
	}
}
