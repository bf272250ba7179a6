package ledger

import (
	"context"

	"github.com/warp/leave-engine/generic"
)

// Tx is the view of the store inside one write transaction. Reference data
// (catalog, directory) is read through the same transaction so a movement
// never needs a second connection while it holds the write lock.
type Tx interface {
	generic.Catalog
	GetUser(ctx context.Context, id generic.UserID) (*generic.User, error)

	// GetBalance returns nil, nil if the row does not exist yet.
	GetBalance(ctx context.Context, user generic.UserID, leaveType generic.LeaveTypeID, year int) (*Balance, error)
	ListBalances(ctx context.Context, user generic.UserID, year int) ([]Balance, error)
	SaveBalance(ctx context.Context, b *Balance) error
	DeleteBalances(ctx context.Context, user generic.UserID, year int) error

	// AppendEntry fails with ErrDuplicateIdempotencyKey if the key exists.
	AppendEntry(ctx context.Context, e Entry) error
	HasEntry(ctx context.Context, idempotencyKey string) (bool, error)
	// Entries returns the journal for (user, year) in insertion order.
	Entries(ctx context.Context, user generic.UserID, year int) ([]Entry, error)
}

// Store persists balances and the journal.
type Store interface {
	// WithBalanceTx runs fn in one write transaction. The transaction
	// commits if fn returns nil. A lost write lock returns ErrLedgerRaceLost.
	WithBalanceTx(ctx context.Context, fn func(tx Tx) error) error

	// YearEndUsers lists users in scope for the rollover of year: every
	// holder of a balance row and every active user who had joined by then.
	YearEndUsers(ctx context.Context, year int) ([]generic.UserID, error)
}
