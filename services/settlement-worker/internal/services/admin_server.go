package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stablepay/usdt-settlement/pkg"
	"github.com/stablepay/usdt-settlement/pkg/settlement"
	"github.com/stablepay/usdt-settlement/pkg/utils"
)

// AdminServer exposes the worker's health, metrics, and monitoring report.
type AdminServer struct {
	logger  *zap.Logger
	addr    string
	sweeper *settlement.Sweeper
}

func NewAdminServer(logger *zap.Logger, addr string, sweeper *settlement.Sweeper) *AdminServer {
	return &AdminServer{logger: logger, addr: addr, sweeper: sweeper}
}

// Start serves in a background goroutine and returns a closer that shuts the
// listener down gracefully.
func (s *AdminServer) Start() func() {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/reports/monitoring", s.monitoringReport)

	srv := &http.Server{Addr: s.addr, Handler: r}
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", zap.Error(err))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("admin server shutdown failed", zap.Error(err))
		}
	}
}

func (s *AdminServer) monitoringReport(c *gin.Context) {
	report, err := s.sweeper.Report(c.Request.Context())
	if err != nil {
		traceID, _ := utils.GetTraceID(c)
		resp := pkg.ToErrorResponse(s.logger, traceID, err)
		c.JSON(resp.Status, resp)
		return
	}
	c.JSON(http.StatusOK, report)
}
