package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"signal-core/internal/audit"
	"signal-core/internal/events"
	"signal-core/internal/reconcile"
	"signal-core/pkg/db"
)

// streamClient is the slice of the exchange client the stream needs.
type streamClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	StreamURL(listenKey string) string
}

// OrderStream listens to the exchange user data stream and folds order
// updates into the store between reconciliation cycles. The periodic
// reconciliation loop remains the safety net; the stream only makes
// convergence faster.
type OrderStream struct {
	client   streamClient
	store    *db.Database
	bus      *events.Bus
	audit    *audit.Logger
	stopChan chan struct{}

	backoff    time.Duration
	maxBackoff time.Duration
}

// New creates an order stream.
func New(client streamClient, store *db.Database, bus *events.Bus, auditLog *audit.Logger) *OrderStream {
	return &OrderStream{
		client:     client,
		store:      store,
		bus:        bus,
		audit:      auditLog,
		stopChan:   make(chan struct{}),
		backoff:    time.Second,
		maxBackoff: time.Minute,
	}
}

// Start begins listening. The stream redials after any disconnect and keeps
// running until ctx is done or Stop is called.
func (s *OrderStream) Start(ctx context.Context) {
	if s.client == nil || s.store == nil {
		log.Println("order stream: client or store not set; skipping")
		return
	}
	go s.run(ctx)
}

// Stop terminates the stream goroutines and closes the connection.
func (s *OrderStream) Stop() {
	close(s.stopChan)
}

func (s *OrderStream) run(ctx context.Context) {
	wait := s.backoff
	for {
		err := s.session(ctx)
		if s.done(ctx) {
			return
		}
		if err != nil {
			log.Printf("order stream: %v; reconnecting in %v", err, wait)
		} else {
			// A session that ended cleanly resets the backoff.
			wait = s.backoff
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > s.maxBackoff {
			wait = s.maxBackoff
		}
	}
}

// session establishes one listen-key websocket and reads it until it breaks.
func (s *OrderStream) session(ctx context.Context) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.client.StreamURL(listenKey), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	log.Println("✓ order stream connected")

	// Unblock the reader on shutdown; ReadMessage only returns when the
	// connection closes.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopChan:
		case <-sessionDone:
		}
		conn.Close()
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-sessionDone:
				return
			case <-ticker.C:
				if err := s.client.KeepAliveListenKey(ctx, listenKey); err != nil {
					log.Printf("order stream keepalive error: %v", err)
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if s.done(ctx) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(ctx, msg)
	}
}

func (s *OrderStream) done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *OrderStream) handleMessage(ctx context.Context, msg []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		log.Printf("order stream parse error: %v", err)
		return
	}

	var eventType string
	if v, ok := raw["e"]; ok {
		if err := json.Unmarshal(v, &eventType); err != nil {
			log.Printf("order stream unknown event type payload: %s", string(v))
			return
		}
	} else {
		return
	}

	switch eventType {
	case "ORDER_TRADE_UPDATE":
		s.handleOrderUpdate(ctx, msg)
	default:
		// ignore other events
	}
}

func (s *OrderStream) handleOrderUpdate(ctx context.Context, msg []byte) {
	var wrap struct {
		Data struct {
			Symbol        string `json:"s"`
			Side          string `json:"S"`
			Status        string `json:"X"`
			ClientOrderID string `json:"c"`
			CumQty        string `json:"z"`
			AvgPrice      string `json:"ap"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		log.Printf("order stream: order update parse error: %v", err)
		return
	}
	if wrap.Data.ClientOrderID == "" {
		return
	}

	status := reconcile.MapExchangeStatus(strings.ToUpper(wrap.Data.Status))
	if status == db.StatusUnknown {
		return
	}

	cumQty, err := decimal.NewFromString(defaultZero(wrap.Data.CumQty))
	if err != nil {
		log.Printf("order stream: bad cumulative qty %q: %v", wrap.Data.CumQty, err)
		return
	}

	upd := db.ReconcileUpdate{Status: status, FilledQty: cumQty}
	if wrap.Data.AvgPrice != "" && wrap.Data.AvgPrice != "0" {
		p, err := decimal.NewFromString(wrap.Data.AvgPrice)
		if err != nil {
			log.Printf("order stream: bad avg price %q: %v", wrap.Data.AvgPrice, err)
			return
		}
		upd.FillPrice = decimal.NullDecimal{Decimal: p, Valid: true}
	}

	// The client order id on the venue is our order id.
	pos, err := s.store.ApplyReconcileResult(ctx, wrap.Data.ClientOrderID, upd)
	if err != nil {
		log.Printf("order stream: apply update for %s: %v", wrap.Data.ClientOrderID, err)
		return
	}

	s.audit.Log(ctx, audit.EventOrderReconciled, map[string]any{
		"order_id":   wrap.Data.ClientOrderID,
		"new_status": string(status),
		"filled_qty": cumQty.String(),
		"via":        "stream",
	})
	if status == db.StatusFilled && s.bus != nil {
		s.bus.Publish(events.EventOrderFilled, events.OrderEvent{
			OrderID: wrap.Data.ClientOrderID,
			Symbol:  wrap.Data.Symbol,
			Side:    wrap.Data.Side,
			Status:  string(status),
		})
	}
	if pos != nil && s.bus != nil {
		s.bus.Publish(events.EventPositionUpdated, events.PositionEvent{
			Symbol:   pos.Symbol,
			Size:     pos.Size.String(),
			AvgPrice: pos.AvgPrice.String(),
		})
	}
}

func defaultZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
