package relayserver

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"go.uber.org/zap"

	gsn "github.com/gsnrelay/gsn/go"
	gsnhttp "github.com/gsnrelay/gsn/go/http"
)

const shutdownTimeout = 10 * time.Second

// ErrorResponse is the body of a failed request.
type ErrorResponse = gsnhttp.ErrorResponse

// Handler returns the daemon's HTTP surface.
func (s *RelayServer) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	burst := int(math.Ceil(s.cfg.RateLimit))
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)

	router.GET("/getaddr", s.handlePing)
	router.POST("/relay", rateLimit(limiter), s.handleRelay)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	return router
}

func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded",
				Code:  gsn.ErrCodeRelayRejected,
			})
			return
		}
		c.Next()
	}
}

func (s *RelayServer) handlePing(c *gin.Context) {
	ping, err := s.Ping(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: gsn.ErrCodeNotReady})
		return
	}
	c.JSON(http.StatusOK, ping)
}

func (s *RelayServer) handleHealth(c *gin.Context) {
	ready, err := s.IsReady(c.Request.Context())
	if err != nil || !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *RelayServer) handleRelay(c *gin.Context) {
	if id := c.GetHeader(gsnhttp.RequestIDHeader); id != "" {
		c.Header(gsnhttp.RequestIDHeader, id)
	}
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: gsn.ErrCodeInvalidRequest})
		return
	}
	request, err := DecodeRelayTransactionRequest(body)
	if err != nil {
		s.metrics.rejected.WithLabelValues(gsn.ErrCodeInvalidRequest).Inc()
		c.JSON(http.StatusBadRequest, errorResponse(err))
		return
	}

	response, err := s.CreateRelayTransaction(c.Request.Context(), *request)
	if err != nil {
		status := http.StatusBadRequest
		if gsn.CodeOf(err) == gsn.ErrCodeNotReady {
			status = http.StatusServiceUnavailable
		}
		s.logger.Debug("relay request failed",
			zap.String("requestId", c.GetHeader(gsnhttp.RequestIDHeader)), zap.Error(err))
		c.JSON(status, errorResponse(err))
		return
	}
	c.JSON(http.StatusOK, response)
}

func errorResponse(err error) ErrorResponse {
	var relayErr *gsn.RelayError
	if errors.As(err, &relayErr) {
		return ErrorResponse{Error: relayErr.Message, Code: relayErr.Code, Details: relayErr.Details}
	}
	return ErrorResponse{Error: err.Error(), Code: gsn.CodeOf(err)}
}

// Tick runs one round of transaction monitoring and balance upkeep.
func (s *RelayServer) Tick(ctx context.Context) {
	if err := s.txm.Tick(ctx); err != nil {
		s.logger.Warn("transaction monitor failed", zap.Error(err))
	}
	if err := s.Replenish(ctx); err != nil {
		s.logger.Warn("worker replenish failed", zap.Error(err))
	}
}

// Monitor ticks every MonitorInterval until ctx is done.
func (s *RelayServer) Monitor(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Run serves HTTP on addr and monitors worker transactions until ctx is
// cancelled or either fails.
func (s *RelayServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("relay server listening", zap.String("addr", addr), zap.String("url", s.cfg.URL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.Monitor(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
