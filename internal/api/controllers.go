package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"execution-core/internal/engine"
	"execution-core/internal/order"
	exchange "execution-core/pkg/exchanges/common"
)

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Engine.SystemStatus())
}

func (s *Server) getExecutionQuality(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Engine.ExecutionQuality())
}

func (s *Server) getActiveOrders(c *gin.Context) {
	orders := s.opts.Engine.ActiveOrders()
	if orders == nil {
		orders = []order.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// getPositions serves open positions, or every position with ?status=all.
func (s *Server) getPositions(c *gin.Context) {
	openOnly := true
	switch strings.ToLower(c.DefaultQuery("status", "open")) {
	case "open":
	case "all":
		openOnly = false
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_STATUS",
			"error": "status must be open or all",
		})
		return
	}
	positions := s.opts.Engine.Positions(openOnly)
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) getRiskMetrics(c *gin.Context) {
	ov := s.opts.Engine.Risk()
	c.JSON(http.StatusOK, gin.H{"state": ov.State, "metrics": ov.Metrics})
}

func (s *Server) getRiskSignals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"signals": s.opts.Engine.Risk().Signals})
}

type signalRequest struct {
	Strategy   string  `json:"strategy_name"`
	Instrument string  `json:"instrument"`
	SignalType string  `json:"signal_type"`
	Confidence float64 `json:"confidence"`
	Volatility float64 `json:"volatility"`
	Wait       bool    `json:"wait"`
}

// postSignal queues a strategy signal, or runs it inline when wait is set.
func (s *Server) postSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	side := exchange.Side(strings.ToUpper(strings.TrimSpace(req.SignalType)))
	switch {
	case strings.TrimSpace(req.Strategy) == "":
		c.JSON(http.StatusBadRequest, gin.H{"code": "MISSING_STRATEGY", "error": "strategy_name is required"})
		return
	case strings.TrimSpace(req.Instrument) == "":
		c.JSON(http.StatusBadRequest, gin.H{"code": "MISSING_INSTRUMENT", "error": "instrument is required"})
		return
	case side != exchange.SideBuy && side != exchange.SideSell:
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_SIGNAL_TYPE", "error": "signal_type must be BUY or SELL"})
		return
	case req.Volatility < 0:
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_VOLATILITY", "error": "volatility must not be negative"})
		return
	}

	sig := &order.TradeSignal{
		Strategy:   strings.TrimSpace(req.Strategy),
		Instrument: strings.ToUpper(strings.TrimSpace(req.Instrument)),
		Type:       side,
		Confidence: req.Confidence,
	}

	if !req.Wait {
		if err := s.opts.Engine.Submit(sig, req.Volatility); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": "QUEUE_FULL", "error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		return
	}

	res, err := s.opts.Engine.HandleSignal(c.Request.Context(), sig, req.Volatility)
	if err != nil {
		status, code := signalErrorStatus(err)
		c.JSON(status, gin.H{"code": code, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func signalErrorStatus(err error) (int, string) {
	var (
		verr *order.ValidationError
		ferr *order.InsufficientFundsError
	)
	switch {
	case errors.Is(err, engine.ErrNoPrice):
		return http.StatusConflict, "NO_PRICE"
	case errors.As(err, &verr):
		return http.StatusBadRequest, "INVALID_ORDER"
	case errors.As(err, &ferr):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"
	default:
		return http.StatusBadGateway, "EXECUTION_FAILED"
	}
}

func (s *Server) enableEmergencyStop(c *gin.Context) {
	n := s.opts.Engine.EnableEmergencyStop(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"emergency_stop": true,
		"cancelled":      n,
		"operator":       CurrentOperator(c),
	})
}

func (s *Server) disableEmergencyStop(c *gin.Context) {
	s.opts.Engine.DisableEmergencyStop()
	c.JSON(http.StatusOK, gin.H{
		"emergency_stop": false,
		"operator":       CurrentOperator(c),
	})
}
