package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"signal-core/internal/audit"
	"signal-core/internal/breaker"
	"signal-core/internal/events"
	"signal-core/internal/monitor"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

// Sentinel results of ProcessSignal. Execution failures after the order row
// exists are recorded in the order status, not returned.
var (
	ErrDuplicateSignal  = errors.New("signal already processed")
	ErrNotASignal       = errors.New("message is not a trading signal")
	ErrSourceNotAllowed = errors.New("signal source not allowed")
)

// Inbound carries one message from a signal source.
type Inbound struct {
	ChatID    int64
	MessageID int64
	Message   string
}

// Executor turns inbound signal messages into exchange orders: dedup, parse,
// persist as PENDING, then submit when trading is enabled and the breaker
// admits it.
type Executor struct {
	store    *db.Database
	gateway  common.Gateway
	parser   *signal.Parser
	registry *signal.Registry
	breaker  *breaker.Breaker
	bus      *events.Bus
	audit    *audit.Logger
	metrics  *monitor.Metrics

	defaultLeverage int
	tradingEnabled  atomic.Bool
}

// Options wires an Executor.
type Options struct {
	Store           *db.Database
	Gateway         common.Gateway
	Parser          *signal.Parser
	Registry        *signal.Registry
	Breaker         *breaker.Breaker
	Bus             *events.Bus
	Audit           *audit.Logger
	Metrics         *monitor.Metrics
	DefaultLeverage int
	TradingEnabled  bool
}

// New creates an Executor.
func New(opts Options) *Executor {
	e := &Executor{
		store:           opts.Store,
		gateway:         opts.Gateway,
		parser:          opts.Parser,
		registry:        opts.Registry,
		breaker:         opts.Breaker,
		bus:             opts.Bus,
		audit:           opts.Audit,
		metrics:         opts.Metrics,
		defaultLeverage: opts.DefaultLeverage,
	}
	if e.defaultLeverage <= 0 {
		e.defaultLeverage = 50
	}
	e.tradingEnabled.Store(opts.TradingEnabled)
	return e
}

// TradingEnabled reports whether submissions are currently allowed.
func (e *Executor) TradingEnabled() bool {
	return e.tradingEnabled.Load()
}

// SetTradingEnabled toggles order submission at runtime. Already-created
// orders stay PENDING until trading is enabled again.
func (e *Executor) SetTradingEnabled(ctx context.Context, enabled bool) {
	old := e.tradingEnabled.Swap(enabled)
	if old != enabled {
		e.audit.Log(ctx, audit.EventTradingToggled, map[string]any{"enabled": enabled})
	}
}

// ProcessSignal runs one message through the pipeline and returns the id of
// the order it created. Duplicate and non-signal messages return sentinel
// errors; a submission failure does not (the order records it).
func (e *Executor) ProcessSignal(ctx context.Context, in Inbound) (string, error) {
	e.metrics.IncrementSignalsReceived()
	e.bus.Publish(events.EventSignalReceived, in)
	e.audit.Log(ctx, audit.EventSignalReceived, map[string]any{
		"chat_id":    in.ChatID,
		"message_id": in.MessageID,
	})

	if !e.registry.Allowed(in.ChatID) {
		e.metrics.IncrementSignalsRejected()
		e.audit.Log(ctx, audit.EventSignalRejected, map[string]any{
			"chat_id": in.ChatID,
			"reason":  "source not allowed",
		})
		return "", ErrSourceNotAllowed
	}

	parseStart := time.Now()
	intent := e.parser.Parse(in.Message)
	e.metrics.ParseLatency.RecordDuration(time.Since(parseStart))
	if intent == nil {
		e.metrics.IncrementSignalsRejected()
		e.bus.Publish(events.EventSignalRejected, in)
		e.audit.Log(ctx, audit.EventSignalRejected, map[string]any{
			"chat_id":    in.ChatID,
			"message_id": in.MessageID,
			"reason":     "parse failed",
		})
		return "", ErrNotASignal
	}

	order, err := e.buildOrder(in, intent)
	if err != nil {
		return "", err
	}

	inserted, err := e.store.CreateOrder(ctx, order)
	if err != nil {
		return "", err
	}
	if !inserted {
		e.metrics.IncrementSignalsDuplicate()
		e.bus.Publish(events.EventSignalDuplicate, in)
		e.audit.Log(ctx, audit.EventSignalDuplicate, map[string]any{
			"chat_id":    in.ChatID,
			"message_id": in.MessageID,
		})
		return "", ErrDuplicateSignal
	}

	e.bus.Publish(events.EventOrderCreated, events.OrderEvent{
		OrderID: order.ID,
		Symbol:  order.Symbol,
		Side:    order.Side,
		Status:  string(order.Status),
	})
	e.audit.Log(ctx, audit.EventOrderCreated, map[string]any{
		"order_id": order.ID,
		"symbol":   order.Symbol,
		"side":     order.Side,
		"quantity": order.Quantity.String(),
	})

	if !e.tradingEnabled.Load() || !e.breaker.CanExecute() {
		e.audit.Log(ctx, audit.EventOrderParked, map[string]any{
			"order_id":        order.ID,
			"trading_enabled": e.tradingEnabled.Load(),
			"breaker_state":   string(e.breaker.State()),
		})
		return order.ID, nil
	}

	e.execute(ctx, order.ID)
	return order.ID, nil
}

func (e *Executor) buildOrder(in Inbound, intent *signal.TradeIntent) (db.Order, error) {
	meta, err := json.Marshal(map[string]any{
		"chat_id":    in.ChatID,
		"message_id": in.MessageID,
		"source":     e.registry.SourceName(in.ChatID),
		"signal": map[string]any{
			"entry_price":  nullableDecimal(intent.EntryPrice.Valid, intent.EntryPrice.Decimal.String()),
			"stop_loss":    nullableDecimal(intent.StopLoss.Valid, intent.StopLoss.Decimal.String()),
			"take_profits": decimalsToStrings(intent.TakeProfits),
			"leverage":     intent.Leverage,
		},
	})
	if err != nil {
		return db.Order{}, err
	}

	return db.Order{
		ID:        uuid.NewString(),
		ChatID:    in.ChatID,
		MessageID: in.MessageID,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		OrderType: intent.OrderType,
		Price:     intent.EntryPrice,
		Quantity:  intent.Quantity,
		Status:    db.StatusPending,
		Leverage:  e.registry.LeverageFor(in.ChatID, e.defaultLeverage),
		Metadata:  string(meta),
	}, nil
}

// execute submits one PENDING order. The re-fetch plus the guarded SUBMITTED
// transition keep submission at-most-once without holding a lock across the
// network call.
func (e *Executor) execute(ctx context.Context, orderID string) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		log.Printf("executor: load order %s: %v", orderID, err)
		e.metrics.IncrementErrors()
		return
	}
	if order == nil || order.Status != db.StatusPending {
		e.audit.Log(ctx, audit.EventOrderError, map[string]any{
			"order_id": orderID,
			"reason":   "order already processed",
		})
		return
	}

	start := time.Now()
	result, err := e.gateway.CreateOrder(ctx, common.OrderRequest{
		Symbol:     order.Symbol,
		Side:       common.Side(order.Side),
		Type:       common.OrderType(order.OrderType),
		Quantity:   order.Quantity,
		Price:      order.Price,
		Leverage:   order.Leverage,
		MarginMode: common.MarginCross,
		ClientID:   order.ID,
	})
	e.metrics.SubmitLatency.RecordDuration(time.Since(start))

	if err != nil {
		e.breaker.RecordFailure()
		e.metrics.IncrementOrdersFailed()

		status := db.StatusError
		if common.IsRejection(err) {
			status = db.StatusFailed
		}
		if uerr := e.store.MarkSubmissionFailed(ctx, orderID, status); uerr != nil {
			log.Printf("executor: mark order %s %s: %v", orderID, status, uerr)
		}
		e.bus.Publish(events.EventOrderFailed, events.OrderEvent{
			OrderID: orderID,
			Symbol:  order.Symbol,
			Side:    order.Side,
			Status:  string(status),
		})
		eventType := audit.EventOrderError
		if status == db.StatusFailed {
			eventType = audit.EventOrderFailed
		}
		e.audit.Log(ctx, eventType, map[string]any{
			"order_id": orderID,
			"error":    err.Error(),
		})
		return
	}

	ok, err := e.store.MarkSubmitted(ctx, orderID, result.BrokerOrderID)
	if err != nil {
		log.Printf("executor: mark order %s submitted: %v", orderID, err)
		e.metrics.IncrementErrors()
		return
	}
	if !ok {
		// Raced with another transition after the exchange accepted; the
		// reconciliation loop will settle the truth.
		e.audit.Log(ctx, audit.EventOrderError, map[string]any{
			"order_id":        orderID,
			"broker_order_id": result.BrokerOrderID,
			"reason":          "submitted transition lost race",
		})
		return
	}

	e.breaker.RecordSuccess()
	e.metrics.IncrementOrdersSubmitted()
	e.bus.Publish(events.EventOrderSubmitted, events.OrderEvent{
		OrderID:       orderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Status:        string(db.StatusSubmitted),
		BrokerOrderID: result.BrokerOrderID,
	})
	e.audit.Log(ctx, audit.EventOrderSubmitted, map[string]any{
		"order_id":        orderID,
		"broker_order_id": result.BrokerOrderID,
	})
}

// RetryPending submits PENDING orders left behind while trading was disabled
// or the breaker was open.
func (e *Executor) RetryPending(ctx context.Context) error {
	if !e.tradingEnabled.Load() {
		return nil
	}
	orders, err := e.store.ListOrders(ctx, 500)
	if err != nil {
		return err
	}
	for i := range orders {
		if orders[i].Status != db.StatusPending {
			continue
		}
		if !e.breaker.CanExecute() {
			return nil
		}
		e.execute(ctx, orders[i].ID)
	}
	return nil
}

func nullableDecimal(valid bool, s string) any {
	if !valid {
		return nil
	}
	return s
}

func decimalsToStrings[T interface{ String() string }](in []T) []string {
	out := make([]string, len(in))
	for i, d := range in {
		out[i] = d.String()
	}
	return out
}
