package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfold/marketsim/internal/market/model"
)

type seedRequest struct {
	Instruments []*model.Instrument `json:"instruments" binding:"required"`
}

func (s *Server) seedInstruments(c *gin.Context) {
	var req seedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.SeedInstruments(c.Request.Context(), req.Instruments); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"seeded": len(req.Instruments)})
}

func (s *Server) listInstruments(c *gin.Context) {
	insts, err := s.svc.Instruments(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instruments": insts})
}

func (s *Server) getInstrument(c *gin.Context) {
	inst, err := s.svc.Instrument(c.Request.Context(), c.Param("ticker"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) priceHistory(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	points, err := s.svc.PriceHistory(c.Request.Context(), c.Param("ticker"), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticker": c.Param("ticker"), "points": points})
}

func (s *Server) quote(c *gin.Context) {
	shares, err := decimal.NewFromString(c.Query("shares"))
	if err != nil || !shares.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "shares must be a positive number"})
		return
	}
	quote, err := s.svc.Quote(c.Request.Context(), c.Param("ticker"), shares, c.Query("direction"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

type overrideRequest struct {
	Price decimal.Decimal `json:"price" binding:"required"`
}

func (s *Server) overridePrice(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	affected, err := s.svc.OverridePrice(c.Request.Context(), c.Param("ticker"), req.Price)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"affected_tickers": affected})
}

type createAccountRequest struct {
	Cash           decimal.Decimal `json:"cash"`
	MarginEligible bool            `json:"margin_eligible"`
}

func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct, err := s.svc.CreateAccount(c.Request.Context(), req.Cash, req.MarginEligible)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, acct)
}

func (s *Server) getAccount(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	acct, err := s.svc.Account(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) portfolioValue(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	value, err := s.svc.PortfolioValue(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "value": value})
}

func (s *Server) equityRatio(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	risk, err := s.svc.EquityRatio(c.Request.Context(), id, c.Param("ticker"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, risk)
}

type tradeRequest struct {
	AccountID uuid.UUID       `json:"account_id" binding:"required"`
	Ticker    string          `json:"ticker" binding:"required"`
	Direction string          `json:"direction" binding:"required"`
	Shares    decimal.Decimal `json:"shares" binding:"required"`
}

func (s *Server) executeTrade(c *gin.Context) {
	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.svc.ExecuteTrade(c.Request.Context(), req.AccountID, req.Ticker, req.Direction, req.Shares)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type shortRequest struct {
	Ticker string          `json:"ticker"`
	Shares decimal.Decimal `json:"shares" binding:"required"`
}

func (s *Server) openShort(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	var req shortRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Ticker == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ticker and shares are required"})
		return
	}
	result, err := s.svc.OpenShort(c.Request.Context(), id, req.Ticker, req.Shares)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) coverShort(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	shares, err := decimal.NewFromString(c.Query("shares"))
	if err != nil || !shares.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "shares must be a positive number"})
		return
	}
	result, err := s.svc.CoverShort(c.Request.Context(), id, c.Param("ticker"), shares)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type createOrderRequest struct {
	AccountID    uuid.UUID       `json:"account_id" binding:"required"`
	Ticker       string          `json:"ticker" binding:"required"`
	Direction    string          `json:"direction" binding:"required"`
	Shares       decimal.Decimal `json:"shares" binding:"required"`
	LimitPrice   decimal.Decimal `json:"limit_price" binding:"required"`
	AllowPartial bool            `json:"allow_partial"`
}

func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.svc.CreateStandingOrder(c.Request.Context(),
		req.AccountID, req.Ticker, req.Direction, req.Shares, req.LimitPrice, req.AllowPartial)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) getOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	order, err := s.svc.StandingOrder(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	if err := s.svc.CancelStandingOrder(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"canceled": id})
}

func (s *Server) sweepExpired(c *gin.Context) {
	expired, err := s.svc.SweepExpiredOrders(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": expired})
}

func (s *Server) atRiskShorts(c *gin.Context) {
	risks, err := s.svc.ListAtRiskPositions(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": risks})
}
