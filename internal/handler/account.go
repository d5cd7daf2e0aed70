package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/genforge/api/internal/middleware"
	"github.com/genforge/api/internal/model"
	"github.com/genforge/api/internal/service"
	"github.com/genforge/api/pkg/response"
)

type AccountHandler struct {
	ledger *service.LedgerService
}

func NewAccountHandler(ledger *service.LedgerService) *AccountHandler {
	return &AccountHandler{ledger: ledger}
}

// Get handles GET /api/account
func (h *AccountHandler) Get(c *fiber.Ctx) error {
	acct, err := h.ledger.Account(c.UserContext(), middleware.GetUserID(c))
	if err != nil {
		return writeError(c, err, nil)
	}
	return response.OK(c, model.AccountResponse{
		OwnerID:          acct.OwnerID,
		Plan:             acct.Plan,
		RenewableBalance: acct.RenewableBalance,
		PermanentBalance: acct.PermanentBalance,
		TotalBalance:     acct.Total(),
	})
}

// Usage handles GET /api/account/usage
func (h *AccountHandler) Usage(c *fiber.Ctx) error {
	records, err := h.ledger.Usage(c.UserContext(), middleware.GetUserID(c), c.QueryInt("limit", 50))
	if err != nil {
		return writeError(c, err, nil)
	}
	if records == nil {
		records = []*model.UsageRecord{}
	}
	return response.OK(c, fiber.Map{"usage": records})
}
