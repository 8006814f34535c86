package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signal-core/internal/audit"
	"signal-core/internal/events"
	"signal-core/internal/monitor"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

type fakeGateway struct {
	mu      sync.Mutex
	details map[string]common.OrderDetail
	errs    map[string]error
	calls   []string
}

func (f *fakeGateway) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return common.OrderResult{}, errors.New("not implemented")
}

func (f *fakeGateway) GetOrder(ctx context.Context, symbol, brokerOrderID string) (common.OrderDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, brokerOrderID)
	if err, ok := f.errs[brokerOrderID]; ok {
		return common.OrderDetail{}, err
	}
	return f.details[brokerOrderID], nil
}

type testEnv struct {
	job     *Job
	store   *db.Database
	gateway *fakeGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	auditLog, err := audit.New(store, "")
	if err != nil {
		t.Fatalf("audit logger: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	gw := &fakeGateway{
		details: make(map[string]common.OrderDetail),
		errs:    make(map[string]error),
	}
	job := New(store, gw, events.NewBus(), auditLog, monitor.NewMetrics(), 30*time.Second)
	return &testEnv{job: job, store: store, gateway: gw}
}

func submittedOrder(t *testing.T, env *testEnv, id, broker string, msgID int64, qty string) {
	t.Helper()
	o := db.Order{
		ID:            id,
		ChatID:        1,
		MessageID:     msgID,
		Symbol:        "BTC-USDT",
		Side:          "BUY",
		OrderType:     "MARKET",
		Quantity:      decimal.RequireFromString(qty),
		Status:        db.StatusSubmitted,
		BrokerOrderID: broker,
		Leverage:      50,
	}
	if _, err := env.store.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("create order %s: %v", id, err)
	}
}

func TestMapExchangeStatus(t *testing.T) {
	tests := []struct {
		exchange string
		want     db.OrderStatus
	}{
		{"NEW", db.StatusSubmitted},
		{"PARTIALLY_FILLED", db.StatusPartiallyFilled},
		{"FILLED", db.StatusFilled},
		{"CANCELED", db.StatusCancelled},
		{"REJECTED", db.StatusRejected},
		{"EXPIRED", db.StatusExpired},
		{"SOMETHING_ELSE", db.StatusUnknown},
		{"", db.StatusUnknown},
	}
	for _, tt := range tests {
		if got := MapExchangeStatus(tt.exchange); got != tt.want {
			t.Errorf("MapExchangeStatus(%q) = %s, want %s", tt.exchange, got, tt.want)
		}
	}
}

func TestRunCycleFillsOrderAndPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	submittedOrder(t, env, "ord-1", "b-1", 1, "2")
	env.gateway.details["b-1"] = common.OrderDetail{
		BrokerOrderID: "b-1",
		Status:        "FILLED",
		ExecutedQty:   decimal.RequireFromString("2"),
		AvgPrice:      decimal.NullDecimal{Decimal: decimal.NewFromInt(100), Valid: true},
	}

	if err := env.job.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	o, err := env.store.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != db.StatusFilled {
		t.Fatalf("status = %s, want FILLED", o.Status)
	}
	if !o.FilledQty.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("filled qty = %s, want 2", o.FilledQty)
	}

	p, err := env.store.GetPosition(ctx, "BTC-USDT")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !p.Size.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("position size = %s, want 2", p.Size)
	}
	if !p.AvgPrice.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("avg price = %s, want 100", p.AvgPrice)
	}
}

func TestRunCycleUnknownStatusIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	submittedOrder(t, env, "ord-1", "b-1", 1, "1")
	env.gateway.details["b-1"] = common.OrderDetail{
		BrokerOrderID: "b-1",
		Status:        "PENDING_SETTLEMENT",
	}

	if err := env.job.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	o, _ := env.store.GetOrder(ctx, "ord-1")
	if o.Status != db.StatusSubmitted {
		t.Fatalf("status = %s, want unchanged SUBMITTED on unknown venue status", o.Status)
	}
}

func TestRunCycleIsolatesOrderFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	submittedOrder(t, env, "ord-bad", "b-bad", 1, "1")
	submittedOrder(t, env, "ord-good", "b-good", 2, "1")
	env.gateway.errs["b-bad"] = errors.New("exchange timeout")
	env.gateway.details["b-good"] = common.OrderDetail{
		BrokerOrderID: "b-good",
		Status:        "FILLED",
		ExecutedQty:   decimal.RequireFromString("1"),
		AvgPrice:      decimal.NullDecimal{Decimal: decimal.NewFromInt(50), Valid: true},
	}

	if err := env.job.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	bad, _ := env.store.GetOrder(ctx, "ord-bad")
	if bad.Status != db.StatusSubmitted {
		t.Fatalf("failed order status = %s, want unchanged", bad.Status)
	}
	good, _ := env.store.GetOrder(ctx, "ord-good")
	if good.Status != db.StatusFilled {
		t.Fatalf("good order status = %s, want FILLED despite sibling failure", good.Status)
	}
}

func TestRunCyclePartialFillProgression(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	submittedOrder(t, env, "ord-1", "b-1", 1, "10")

	env.gateway.details["b-1"] = common.OrderDetail{
		BrokerOrderID: "b-1",
		Status:        "PARTIALLY_FILLED",
		ExecutedQty:   decimal.RequireFromString("4"),
		AvgPrice:      decimal.NullDecimal{Decimal: decimal.NewFromInt(100), Valid: true},
	}
	if err := env.job.RunCycle(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	o, _ := env.store.GetOrder(ctx, "ord-1")
	if o.Status != db.StatusPartiallyFilled {
		t.Fatalf("status = %s, want PARTIALLY_FILLED", o.Status)
	}

	// Partially filled orders stay reconcilable.
	env.gateway.details["b-1"] = common.OrderDetail{
		BrokerOrderID: "b-1",
		Status:        "FILLED",
		ExecutedQty:   decimal.RequireFromString("10"),
		AvgPrice:      decimal.NullDecimal{Decimal: decimal.NewFromInt(110), Valid: true},
	}
	if err := env.job.RunCycle(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	o, _ = env.store.GetOrder(ctx, "ord-1")
	if o.Status != db.StatusFilled {
		t.Fatalf("status = %s, want FILLED", o.Status)
	}
	p, _ := env.store.GetPosition(ctx, "BTC-USDT")
	if !p.Size.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("position size = %s, want 10", p.Size)
	}
	// Weighted avg: (4*100 + 6*110) / 10 = 106.
	if !p.AvgPrice.Equal(decimal.NewFromInt(106)) {
		t.Fatalf("avg price = %s, want 106", p.AvgPrice)
	}
}

func TestRunCycleSellClosesPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	submittedOrder(t, env, "ord-buy", "b-1", 1, "3")
	env.gateway.details["b-1"] = common.OrderDetail{
		BrokerOrderID: "b-1",
		Status:        "FILLED",
		ExecutedQty:   decimal.RequireFromString("3"),
		AvgPrice:      decimal.NullDecimal{Decimal: decimal.NewFromInt(200), Valid: true},
	}
	if err := env.job.RunCycle(ctx); err != nil {
		t.Fatalf("buy cycle: %v", err)
	}

	sell := db.Order{
		ID:            "ord-sell",
		ChatID:        1,
		MessageID:     2,
		Symbol:        "BTC-USDT",
		Side:          "SELL",
		OrderType:     "MARKET",
		Quantity:      decimal.RequireFromString("3"),
		Status:        db.StatusSubmitted,
		BrokerOrderID: "b-2",
		Leverage:      50,
	}
	if _, err := env.store.CreateOrder(ctx, sell); err != nil {
		t.Fatalf("create sell: %v", err)
	}
	env.gateway.details["b-2"] = common.OrderDetail{
		BrokerOrderID: "b-2",
		Status:        "FILLED",
		ExecutedQty:   decimal.RequireFromString("3"),
		AvgPrice:      decimal.NullDecimal{Decimal: decimal.NewFromInt(210), Valid: true},
	}
	if err := env.job.RunCycle(ctx); err != nil {
		t.Fatalf("sell cycle: %v", err)
	}

	p, _ := env.store.GetPosition(ctx, "BTC-USDT")
	if !p.Size.IsZero() {
		t.Fatalf("position size = %s, want 0", p.Size)
	}
	if !p.AvgPrice.IsZero() {
		t.Fatalf("avg price = %s, want 0 when flat", p.AvgPrice)
	}
}

func TestRunCycleSkipsTerminalOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o := db.Order{
		ID:            "ord-done",
		ChatID:        1,
		MessageID:     1,
		Symbol:        "BTC-USDT",
		Side:          "BUY",
		OrderType:     "MARKET",
		Quantity:      decimal.RequireFromString("1"),
		FilledQty:     decimal.RequireFromString("1"),
		Status:        db.StatusFilled,
		BrokerOrderID: "b-1",
		Leverage:      50,
	}
	if _, err := env.store.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}

	if err := env.job.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if len(env.gateway.calls) != 0 {
		t.Fatalf("gateway queried %d times, want 0 for terminal orders", len(env.gateway.calls))
	}
}
