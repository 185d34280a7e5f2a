// Package server exposes the simulation engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quantfold/marketsim/internal/config"
	"github.com/quantfold/marketsim/internal/market"
	"github.com/quantfold/marketsim/internal/market/model"
)

// Server wraps the HTTP listener around the market service.
type Server struct {
	svc    market.Service
	cfg    config.ServerConfig
	logger *zap.Logger
	http   *http.Server
}

// New builds the router and the underlying http.Server.
func New(svc market.Service, cfg config.ServerConfig, logger *zap.Logger) *Server {
	s := &Server{svc: svc, cfg: cfg, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/instruments", s.seedInstruments)
		v1.GET("/instruments", s.listInstruments)
		v1.GET("/instruments/:ticker", s.getInstrument)
		v1.GET("/instruments/:ticker/history", s.priceHistory)
		v1.GET("/instruments/:ticker/quote", s.quote)
		v1.PUT("/instruments/:ticker/price", s.overridePrice)

		v1.POST("/accounts", s.createAccount)
		v1.GET("/accounts/:id", s.getAccount)
		v1.GET("/accounts/:id/value", s.portfolioValue)
		v1.GET("/accounts/:id/shorts/:ticker/risk", s.equityRatio)

		v1.POST("/trades", s.executeTrade)
		v1.POST("/accounts/:id/shorts", s.openShort)
		v1.POST("/accounts/:id/shorts/:ticker/cover", s.coverShort)

		v1.POST("/orders", s.createOrder)
		v1.GET("/orders/:id", s.getOrder)
		v1.DELETE("/orders/:id", s.cancelOrder)
		v1.POST("/orders/sweep", s.sweepExpired)

		v1.GET("/risk/shorts", s.atRiskShorts)
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// abortWithError maps domain sentinels onto HTTP status codes.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrUnknownInstrument),
		errors.Is(err, model.ErrUnknownAccount),
		errors.Is(err, model.ErrOrderNotFound),
		errors.Is(err, model.ErrPositionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrOrderTerminal):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientShares),
		errors.Is(err, model.ErrInsufficientShort),
		errors.Is(err, model.ErrInsufficientCollateral),
		errors.Is(err, model.ErrMarginNotEligible),
		errors.Is(err, model.ErrMarginCapacityExceeded),
		errors.Is(err, model.ErrEquityCapExceeded):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInvalidDirection),
		errors.Is(err, model.ErrNonPositiveShares),
		errors.Is(err, model.ErrLimitPriceOutOfRange):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrCorruptState):
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
