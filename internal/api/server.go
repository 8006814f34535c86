package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"signal-core/internal/breaker"
	"signal-core/internal/executor"
	"signal-core/internal/monitor"
	"signal-core/pkg/db"
)

// Server exposes the operator HTTP API: inspect the pipeline, toggle
// trading, and inject test signals.
type Server struct {
	Router        *gin.Engine
	DB            *db.Database
	Executor      *executor.Executor
	Breaker       *breaker.Breaker
	Metrics       *monitor.Metrics
	JWTSecret     string
	OperatorEmail string
	OperatorHash  string
	Version       string
}

// Options configures NewServer.
type Options struct {
	DB            *db.Database
	Executor      *executor.Executor
	Breaker       *breaker.Breaker
	Metrics       *monitor.Metrics
	JWTSecret     string
	OperatorEmail string
	OperatorHash  string // bcrypt hash; empty disables login
	Version       string
}

// NewServer builds the router with the full middleware stack.
func NewServer(opts Options) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:        r,
		DB:            opts.DB,
		Executor:      opts.Executor,
		Breaker:       opts.Breaker,
		Metrics:       opts.Metrics,
		JWTSecret:     opts.JWTSecret,
		OperatorEmail: opts.OperatorEmail,
		OperatorHash:  opts.OperatorHash,
		Version:       opts.Version,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/status", s.getStatus)
			protected.GET("/metrics", s.getMetrics)
			protected.GET("/orders", s.getOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.GET("/positions", s.getPositions)
			protected.GET("/trading", s.getTrading)
			protected.PUT("/trading", s.putTrading)
			protected.POST("/signals", s.postSignal)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":          s.Version,
		"trading_enabled":  s.Executor.TradingEnabled(),
		"breaker_state":    string(s.Breaker.State()),
		"breaker_failures": s.Breaker.FailureCount(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getOrders(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	orders, err := s.DB.ListOrders(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(orders))
	for i := range orders {
		out = append(out, orderJSON(&orders[i]))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.DB.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if o == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, orderJSON(o))
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.DB.ListPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		out = append(out, gin.H{
			"symbol":     p.Symbol,
			"size":       p.Size.String(),
			"avg_price":  p.AvgPrice.String(),
			"updated_at": p.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

func (s *Server) getTrading(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": s.Executor.TradingEnabled()})
}

func (s *Server) putTrading(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.BindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"enabled\": true|false}"})
		return
	}

	s.Executor.SetTradingEnabled(c.Request.Context(), *req.Enabled)
	if *req.Enabled {
		// Pick up orders parked while trading was off. Detached from the
		// request context so the retry outlives this response.
		go func() {
			if err := s.Executor.RetryPending(context.Background()); err != nil {
				log.Printf("api: retry pending: %v", err)
			}
		}()
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

// postSignal injects a signal through the same pipeline as live sources.
func (s *Server) postSignal(c *gin.Context) {
	var req struct {
		ChatID    int64  `json:"chat_id"`
		MessageID int64  `json:"message_id"`
		Message   string `json:"message"`
	}
	if err := c.BindJSON(&req); err != nil || req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chat_id, message_id and message are required"})
		return
	}

	orderID, err := s.Executor.ProcessSignal(c.Request.Context(), executor.Inbound{
		ChatID:    req.ChatID,
		MessageID: req.MessageID,
		Message:   req.Message,
	})
	switch {
	case errors.Is(err, executor.ErrDuplicateSignal):
		c.JSON(http.StatusConflict, gin.H{"error": "signal already processed"})
	case errors.Is(err, executor.ErrNotASignal):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "message is not a trading signal"})
	case errors.Is(err, executor.ErrSourceNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": "signal source not allowed"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, gin.H{"order_id": orderID})
	}
}

func orderJSON(o *db.Order) gin.H {
	h := gin.H{
		"id":              o.ID,
		"chat_id":         o.ChatID,
		"message_id":      o.MessageID,
		"symbol":          o.Symbol,
		"side":            o.Side,
		"order_type":      o.OrderType,
		"quantity":        o.Quantity.String(),
		"filled_qty":      o.FilledQty.String(),
		"status":          string(o.Status),
		"broker_order_id": o.BrokerOrderID,
		"leverage":        o.Leverage,
		"created_at":      o.CreatedAt,
		"updated_at":      o.UpdatedAt,
	}
	if o.Price.Valid {
		h["price"] = o.Price.Decimal.String()
	}
	return h
}

// Start runs the HTTP server.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
