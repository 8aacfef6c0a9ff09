package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"clubledger/pkg/response"
)

type balanceRequest struct {
	UserID   string `json:"userId"`
	AsOfDate string `json:"asOfDate"`
}

// BalanceRPC answers the balance call used by the web client.
// POST /api/v1/rpc/balance {userId, asOfDate}
func (h *Handler) BalanceRPC(c *gin.Context) {
	var req balanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	h.renderBalances(c, req.UserID, req.AsOfDate)
}

// GetBalance defaults to the caller's own balance as of now.
// GET /api/v1/balance?user_id=&as_of=
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = callerFrom(c).UserID
	}
	h.renderBalances(c, userID, c.Query("as_of"))
}

func (h *Handler) renderBalances(c *gin.Context, userID, asOf string) {
	at, err := parseDate("asOfDate", asOf, time.Now())
	if err != nil {
		response.FromError(c, h.log, err)
		return
	}

	balances, err := h.balances.Balances(c.Request.Context(), callerFrom(c), userID, at)
	if err != nil {
		response.FromError(c, h.log, err)
		return
	}
	response.Success(c, balances)
}
