// Package ledger is a minimal double-entry account domain that exists to
// exercise the coordinator: transfers run REQUIRED, balance snapshots run
// REQUIRES_NEW so they survive a rolled-back transfer, and a fee debit
// runs NESTED inside a savepoint. A failed fee debit is rolled back to that
// savepoint and then fails the transfer, which rolls back as a whole.
package ledger

import (
	"time"

	"txcore/internal/core/id"
	"txcore/internal/core/types"
)

// Account is a named balance an amount can be debited from or credited to.
type Account struct {
	ID        id.ID       `db:"id"`
	Name      string      `db:"name"`
	Balance   types.Money `db:"balance"`
	Version   int64       `db:"version"` // optimistic lock, bumped on every mutation
	CreatedAt time.Time   `db:"created_at"`
	UpdatedAt time.Time   `db:"updated_at"`
}

// TransferStatus records how a Transfer ended.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// Transfer moves Amount from FromAccountID to ToAccountID. FeeAmount, if
// non-zero, is additionally debited from FromAccountID via a NESTED
// savepoint scope; if that debit fails, the transfer fails with it.
type Transfer struct {
	ID            id.ID          `db:"id"`
	FromAccountID id.ID          `db:"from_account_id"`
	ToAccountID   id.ID          `db:"to_account_id"`
	Amount        types.Money    `db:"amount"`
	FeeAmount     types.Money    `db:"fee_amount"`
	Status        TransferStatus `db:"status"`
	CreatedAt     time.Time      `db:"created_at"`
}

// BalanceSnapshot is a point-in-time read of an account's balance, written
// outside the transfer's own transaction (REQUIRES_NEW) so it reflects
// what was true immediately before the transfer attempt regardless of how
// the transfer itself resolves.
type BalanceSnapshot struct {
	ID        id.ID       `db:"id"`
	AccountID id.ID       `db:"account_id"`
	Balance   types.Money `db:"balance"`
	TakenAt   time.Time   `db:"taken_at"`
}
