package ledger

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"txcore/internal/core/apperror"
	"txcore/internal/core/id"
	"txcore/internal/core/types"
	"txcore/internal/infrastructure/txpostgres"
)

// Repo is the ledger domain's single repository: it never opens a
// transaction itself, it only asks the bound Manager for whatever querier
// is currently active on the caller's flow (pooled connection, or the
// transaction a Coordinator scope began).
type Repo struct {
	mgr     *txpostgres.Manager
	builder squirrel.StatementBuilderType
}

// NewRepo builds a Repo over mgr.
func NewRepo(mgr *txpostgres.Manager) *Repo {
	return &Repo{mgr: mgr, builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)}
}

func (r *Repo) querier(ctx context.Context) txpostgres.Querier { return r.mgr.QuerierFor(ctx) }

// GetAccount loads an account by ID.
func (r *Repo) GetAccount(ctx context.Context, accountID id.ID) (*Account, error) {
	sql, args, err := r.builder.
		Select("id", "name", "balance", "version", "created_at", "updated_at").
		From("ledger_accounts").
		Where(squirrel.Eq{"id": accountID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("ledger: build account select: %w", err)
	}

	var acc Account
	if err := pgxscan.Get(ctx, r.querier(ctx), &acc, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("account", accountID)
		}
		return nil, fmt.Errorf("ledger: get account: %w", err)
	}
	return &acc, nil
}

// CreateAccount inserts a new account at version 0.
func (r *Repo) CreateAccount(ctx context.Context, acc *Account) error {
	sql, args, err := r.builder.
		Insert("ledger_accounts").
		Columns("id", "name", "balance", "version", "created_at", "updated_at").
		Values(acc.ID, acc.Name, acc.Balance, acc.Version, acc.CreatedAt, acc.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("ledger: build account insert: %w", err)
	}
	if _, err := r.querier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("ledger: insert account: %w", err)
	}
	return nil
}

// UpdateBalance writes newBalance and bumps version, conditioned on the
// row still being at expectedVersion. Zero rows affected means another
// writer got there first, surfaced as a concurrent-modification error so
// the caller's rollback-rule predicate can decide whether to retry.
func (r *Repo) UpdateBalance(ctx context.Context, accountID id.ID, newBalance types.Money, expectedVersion int64) error {
	sql, args, err := r.builder.
		Update("ledger_accounts").
		Set("balance", newBalance).
		Set("version", expectedVersion+1).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": accountID, "version": expectedVersion}).
		ToSql()
	if err != nil {
		return fmt.Errorf("ledger: build balance update: %w", err)
	}

	tag, err := r.querier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("ledger: update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConcurrentModification("account", accountID)
	}
	return nil
}

// InsertTransfer records a transfer attempt.
func (r *Repo) InsertTransfer(ctx context.Context, t *Transfer) error {
	sql, args, err := r.builder.
		Insert("ledger_transfers").
		Columns("id", "from_account_id", "to_account_id", "amount", "fee_amount", "status", "created_at").
		Values(t.ID, t.FromAccountID, t.ToAccountID, t.Amount, t.FeeAmount, t.Status, t.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("ledger: build transfer insert: %w", err)
	}
	if _, err := r.querier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("ledger: insert transfer: %w", err)
	}
	return nil
}

// UpdateTransferStatus transitions a transfer's terminal state.
func (r *Repo) UpdateTransferStatus(ctx context.Context, transferID id.ID, status TransferStatus) error {
	sql, args, err := r.builder.
		Update("ledger_transfers").
		Set("status", status).
		Where(squirrel.Eq{"id": transferID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("ledger: build transfer status update: %w", err)
	}
	if _, err := r.querier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("ledger: update transfer status: %w", err)
	}
	return nil
}

// InsertSnapshot records a balance snapshot.
func (r *Repo) InsertSnapshot(ctx context.Context, s *BalanceSnapshot) error {
	sql, args, err := r.builder.
		Insert("ledger_balance_snapshots").
		Columns("id", "account_id", "balance", "taken_at").
		Values(s.ID, s.AccountID, s.Balance, s.TakenAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("ledger: build snapshot insert: %w", err)
	}
	if _, err := r.querier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("ledger: insert snapshot: %w", err)
	}
	return nil
}
