package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"txcore/internal/core/apperror"
	"txcore/internal/core/id"
	"txcore/internal/core/types"
	"txcore/internal/domain/ledger"
)

// ledgerHandlers adapts HTTP requests to ledger.Service calls. Each
// handler runs inside whatever Coordinator scope txhttp.Transactional
// already established for its route group — it just passes c.Request's
// context straight through.
type ledgerHandlers struct {
	service *ledger.Service
}

func newLedgerHandlers(service *ledger.Service) *ledgerHandlers {
	return &ledgerHandlers{service: service}
}

type createTransferRequest struct {
	FromAccountID string `json:"from_account_id" binding:"required"`
	ToAccountID   string `json:"to_account_id" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	FeeAmount     string `json:"fee_amount"`
}

func (h *ledgerHandlers) createTransfer(c *gin.Context) {
	var req createTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperror.NewValidation(err.Error()))
		return
	}

	fromID, err := id.Parse(req.FromAccountID)
	if err != nil {
		_ = c.Error(apperror.NewValidation("invalid from_account_id"))
		return
	}
	toID, err := id.Parse(req.ToAccountID)
	if err != nil {
		_ = c.Error(apperror.NewValidation("invalid to_account_id"))
		return
	}
	amount, err := types.NewMoneyFromString(req.Amount)
	if err != nil {
		_ = c.Error(apperror.NewValidation("invalid amount"))
		return
	}
	feeAmount := types.Zero()
	if req.FeeAmount != "" {
		feeAmount, err = types.NewMoneyFromString(req.FeeAmount)
		if err != nil {
			_ = c.Error(apperror.NewValidation("invalid fee_amount"))
			return
		}
	}

	transfer, err := h.service.Transfer(c.Request.Context(), fromID, toID, amount, feeAmount)
	if err != nil {
		_ = c.Error(asAppError(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":              transfer.ID,
		"from_account_id": transfer.FromAccountID,
		"to_account_id":   transfer.ToAccountID,
		"amount":          transfer.Amount.String(),
		"fee_amount":      transfer.FeeAmount.String(),
		"status":          transfer.Status,
	})
}

func (h *ledgerHandlers) getBalance(c *gin.Context) {
	accountID, err := id.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(apperror.NewValidation("invalid account id"))
		return
	}

	balance, err := h.service.Balance(c.Request.Context(), accountID)
	if err != nil {
		_ = c.Error(asAppError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "balance": balance.String()})
}

// asAppError passes an *apperror.AppError through unchanged and wraps
// anything else (domain errors from the ledger package, notably) as an
// internal error for the ErrorHandler middleware to render.
func asAppError(err error) error {
	if _, ok := apperror.AsAppError(err); ok {
		return err
	}
	return apperror.NewInternal(err)
}
