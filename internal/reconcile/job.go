package reconcile

import (
	"context"
	"log"
	"time"

	"signal-core/internal/audit"
	"signal-core/internal/events"
	"signal-core/internal/monitor"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

// Job periodically reconciles submitted orders against the exchange. The
// exchange is the source of truth: local status and fills converge toward
// what the venue reports, and positions update in the same transaction as
// the order they derive from.
type Job struct {
	store    *db.Database
	gateway  common.Gateway
	bus      *events.Bus
	audit    *audit.Logger
	metrics  *monitor.Metrics
	interval time.Duration
}

// New creates a reconciliation job.
func New(store *db.Database, gateway common.Gateway, bus *events.Bus, auditLog *audit.Logger, metrics *monitor.Metrics, interval time.Duration) *Job {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Job{
		store:    store,
		gateway:  gateway,
		bus:      bus,
		audit:    auditLog,
		metrics:  metrics,
		interval: interval,
	}
}

// Start runs the reconciliation loop until ctx is cancelled.
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := j.RunCycle(ctx); err != nil {
					log.Printf("reconcile: cycle error: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("✓ reconciliation started (interval: %v)", j.interval)
}

// RunCycle reconciles every submitted or partially filled order once. A
// failure on one order never blocks the others.
func (j *Job) RunCycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		j.metrics.ReconcileLatency.RecordDuration(time.Since(start))
		j.metrics.IncrementReconcileCycles()
	}()

	orders, err := j.store.ListReconcilable(ctx)
	if err != nil {
		return err
	}

	for i := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		j.reconcileOrder(ctx, &orders[i])
	}

	return j.refreshPositionGauges(ctx)
}

func (j *Job) reconcileOrder(ctx context.Context, order *db.Order) {
	detail, err := j.gateway.GetOrder(ctx, order.Symbol, order.BrokerOrderID)
	if err != nil {
		log.Printf("reconcile: order %s (%s): %v", order.ID, order.BrokerOrderID, err)
		j.metrics.IncrementErrors()
		return
	}

	status := MapExchangeStatus(detail.Status)
	if status == db.StatusUnknown {
		// Never guess on a status we don't recognize; leave the order as is.
		j.audit.Log(ctx, audit.EventOrderReconciled, map[string]any{
			"order_id":        order.ID,
			"exchange_status": detail.Status,
			"action":          "skipped unknown status",
		})
		return
	}

	if status == order.Status && detail.ExecutedQty.Equal(order.FilledQty) {
		return
	}

	pos, err := j.store.ApplyReconcileResult(ctx, order.ID, db.ReconcileUpdate{
		Status:    status,
		FilledQty: detail.ExecutedQty,
		FillPrice: detail.AvgPrice,
	})
	if err != nil {
		log.Printf("reconcile: apply order %s: %v", order.ID, err)
		j.metrics.IncrementErrors()
		return
	}

	j.bus.Publish(events.EventOrderReconciled, events.OrderEvent{
		OrderID:       order.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Status:        string(status),
		BrokerOrderID: order.BrokerOrderID,
	})
	j.audit.Log(ctx, audit.EventOrderReconciled, map[string]any{
		"order_id":   order.ID,
		"old_status": string(order.Status),
		"new_status": string(status),
		"filled_qty": detail.ExecutedQty.String(),
	})

	if status == db.StatusFilled {
		j.metrics.IncrementOrdersFilled()
		j.bus.Publish(events.EventOrderFilled, events.OrderEvent{
			OrderID:       order.ID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Status:        string(status),
			BrokerOrderID: order.BrokerOrderID,
		})
	}

	if pos != nil {
		j.bus.Publish(events.EventPositionUpdated, events.PositionEvent{
			Symbol:   pos.Symbol,
			Size:     pos.Size.String(),
			AvgPrice: pos.AvgPrice.String(),
		})
		j.audit.Log(ctx, audit.EventPositionUpdated, map[string]any{
			"symbol":    pos.Symbol,
			"size":      pos.Size.String(),
			"avg_price": pos.AvgPrice.String(),
		})
	}
}

func (j *Job) refreshPositionGauges(ctx context.Context) error {
	positions, err := j.store.ListPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		j.metrics.SetPositionSize(p.Symbol, p.Size.String())
	}
	return nil
}

// MapExchangeStatus normalizes a venue status string into the internal
// vocabulary. Anything unrecognized maps to UNKNOWN, which reconciliation
// treats as a no-op.
func MapExchangeStatus(s string) db.OrderStatus {
	switch s {
	case "NEW":
		return db.StatusSubmitted
	case "PARTIALLY_FILLED":
		return db.StatusPartiallyFilled
	case "FILLED":
		return db.StatusFilled
	case "CANCELED", "CANCELLED":
		return db.StatusCancelled
	case "REJECTED":
		return db.StatusRejected
	case "EXPIRED":
		return db.StatusExpired
	default:
		return db.StatusUnknown
	}
}
