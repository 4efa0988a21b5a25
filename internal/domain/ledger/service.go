package ledger

import (
	"context"
	"fmt"
	"time"

	"txcore/internal/core/apperror"
	"txcore/internal/core/id"
	"txcore/internal/core/tx"
	"txcore/internal/core/types"
	"txcore/internal/infrastructure/txaudit"
)

// Money is the service-facing alias for the decimal type ledger balances
// are stored in.
type Money = types.Money

// Service orchestrates transfers through a Coordinator, demonstrating the
// four propagation behaviors a typical ledger needs: the transfer itself
// runs REQUIRED, its pre-transfer balance snapshot runs REQUIRES_NEW so it
// survives a rolled-back transfer, an optional fee debit runs NESTED inside
// a savepoint, and the read-only balance lookup runs SUPPORTS
// so callers can use it both inside and outside a transfer.
type Service struct {
	coord *tx.Coordinator
	repo  *Repo
	audit *txaudit.Sync
}

// NewService builds a Service over coord and repo. audit may be nil if no
// audit trail is wanted.
func NewService(coord *tx.Coordinator, repo *Repo, audit *txaudit.Sync) *Service {
	return &Service{coord: coord, repo: repo, audit: audit}
}

var insufficientFunds = apperror.NewValidation("insufficient funds for transfer")

// Transfer moves amount from fromID to toID, optionally charging feeAmount
// as a separately-savepointed debit. It runs REQUIRED: if the caller is
// already inside a Coordinator scope, the transfer joins it instead of
// opening a second physical transaction.
func (s *Service) Transfer(ctx context.Context, fromID, toID id.ID, amount, feeAmount Money) (*Transfer, error) {
	if err := s.snapshotBalance(ctx, fromID); err != nil {
		return nil, fmt.Errorf("ledger: pre-transfer snapshot: %w", err)
	}

	def := tx.NewDefinition(tx.Required).WithName("ledger.Transfer")
	ctx, status, err := s.coord.Begin(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin transfer scope: %w", err)
	}

	var auditScope *txaudit.Scope
	if s.audit != nil {
		auditScope = s.audit.Begin(ctx)
		if err := tx.RegisterSynchronization(ctx, auditScope); err != nil {
			_ = s.coord.Rollback(ctx, status)
			return nil, fmt.Errorf("ledger: register audit synchronization: %w", err)
		}
	}

	transfer, err := s.doTransfer(ctx, fromID, toID, amount, feeAmount, auditScope)
	if err != nil {
		if rbErr := s.coord.Rollback(ctx, status); rbErr != nil {
			return nil, fmt.Errorf("ledger: rollback after transfer failure: %w (original: %v)", rbErr, err)
		}
		return nil, err
	}

	if err := s.coord.Commit(ctx, status); err != nil {
		return nil, fmt.Errorf("ledger: commit transfer: %w", err)
	}
	return transfer, nil
}

func (s *Service) doTransfer(ctx context.Context, fromID, toID id.ID, amount, feeAmount Money, auditScope *txaudit.Scope) (*Transfer, error) {
	from, err := s.repo.GetAccount(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.repo.GetAccount(ctx, toID)
	if err != nil {
		return nil, err
	}

	total := amount.Add(feeAmount)
	if from.Balance.LessThan(total) {
		return nil, insufficientFunds
	}

	transfer := &Transfer{
		ID:            id.New(),
		FromAccountID: fromID,
		ToAccountID:   toID,
		Amount:        amount,
		FeeAmount:     feeAmount,
		Status:        TransferPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.InsertTransfer(ctx, transfer); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateBalance(ctx, fromID, from.Balance.Sub(amount), from.Version); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateBalance(ctx, toID, to.Balance.Add(amount), to.Version); err != nil {
		return nil, err
	}

	if !feeAmount.IsZero() {
		if err := s.chargeFee(ctx, fromID, feeAmount); err != nil {
			return nil, fmt.Errorf("ledger: charge fee: %w", err)
		}
	}

	transfer.Status = TransferCompleted
	if err := s.repo.UpdateTransferStatus(ctx, transfer.ID, TransferCompleted); err != nil {
		return nil, err
	}

	if auditScope != nil {
		auditScope.Record(ctx, txaudit.Entry{
			EntityType: "ledger_transfer",
			EntityID:   transfer.ID,
			Action:     txaudit.ActionCreate,
		})
	}

	return transfer, nil
}

// chargeFee debits feeAmount from accountID in a NESTED scope: if the fee
// ledger write fails (e.g. a fee-account constraint violation), the fee
// debit rolls back to its savepoint and the error is returned. doTransfer
// passes that error on, so Transfer then rolls back the whole transfer.
func (s *Service) chargeFee(ctx context.Context, accountID id.ID, feeAmount Money) error {
	def := tx.NewDefinition(tx.Nested).WithName("ledger.chargeFee")
	ctx, status, err := s.coord.Begin(ctx, def)
	if err != nil {
		return err
	}

	acc, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		_ = s.coord.Rollback(ctx, status)
		return err
	}
	if err := s.repo.UpdateBalance(ctx, accountID, acc.Balance.Sub(feeAmount), acc.Version); err != nil {
		_ = s.coord.Rollback(ctx, status)
		return err
	}

	return s.coord.Commit(ctx, status)
}

// snapshotBalance records accountID's balance in its own, independent
// physical transaction (REQUIRES_NEW), suspending whatever scope the
// caller may already be in. This is what lets the snapshot survive a
// transfer that later rolls back.
func (s *Service) snapshotBalance(ctx context.Context, accountID id.ID) error {
	def := tx.NewDefinition(tx.RequiresNew).WithName("ledger.snapshotBalance")
	ctx, status, err := s.coord.Begin(ctx, def)
	if err != nil {
		return err
	}

	acc, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		_ = s.coord.Rollback(ctx, status)
		return err
	}

	snap := &BalanceSnapshot{ID: id.New(), AccountID: accountID, Balance: acc.Balance, TakenAt: time.Now().UTC()}
	if err := s.repo.InsertSnapshot(ctx, snap); err != nil {
		_ = s.coord.Rollback(ctx, status)
		return err
	}

	return s.coord.Commit(ctx, status)
}

// Balance reads an account's current balance. It runs SUPPORTS: when
// called from inside an in-flight transfer it sees that transfer's
// uncommitted writes; called standalone it just runs against the pool.
func (s *Service) Balance(ctx context.Context, accountID id.ID) (Money, error) {
	def := tx.NewDefinition(tx.Supports).WithReadOnly(true).WithName("ledger.Balance")
	ctx, status, err := s.coord.Begin(ctx, def)
	if err != nil {
		return Money{}, err
	}

	acc, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		_ = s.coord.Rollback(ctx, status)
		return Money{}, err
	}

	if err := s.coord.Commit(ctx, status); err != nil {
		return Money{}, err
	}
	return acc.Balance, nil
}
