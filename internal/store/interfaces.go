package store

import (
	"context"
	"time"
)

// TransferRepository defines transfer history operations.
type TransferRepository interface {
	SaveTransfer(ctx context.Context, t *Transfer) error
	GetTransfers(ctx context.Context, limit int) ([]Transfer, error)
	GetTransfersByCID(ctx context.Context, cid string) ([]Transfer, error)
	PruneTransfers(ctx context.Context, before time.Time) (int64, error)
}
