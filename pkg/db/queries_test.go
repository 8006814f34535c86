package db

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return d
}

func testOrder(id string, chatID, messageID int64) Order {
	return Order{
		ID:        id,
		ChatID:    chatID,
		MessageID: messageID,
		Symbol:    "BTCUSDT",
		Side:      "BUY",
		OrderType: "MARKET",
		Quantity:  decimal.RequireFromString("0.001"),
		FilledQty: decimal.Zero,
		Status:    StatusPending,
		Leverage:  50,
	}
}

func TestCreateOrderDeduplicates(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	inserted, err := d.CreateOrder(ctx, testOrder("ord-1", 100, 200))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !inserted {
		t.Fatal("first insert should succeed")
	}

	// Same chat/message pair under a different id is a redelivery.
	inserted, err = d.CreateOrder(ctx, testOrder("ord-2", 100, 200))
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Fatal("duplicate signal should not insert")
	}

	// Different message id from the same chat is a new signal.
	inserted, err = d.CreateOrder(ctx, testOrder("ord-3", 100, 201))
	if err != nil {
		t.Fatalf("third insert: %v", err)
	}
	if !inserted {
		t.Fatal("distinct signal should insert")
	}
}

func TestMarkSubmittedGuardsStatus(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if _, err := d.CreateOrder(ctx, testOrder("ord-1", 1, 1)); err != nil {
		t.Fatalf("create order: %v", err)
	}

	ok, err := d.MarkSubmitted(ctx, "ord-1", "broker-123")
	if err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if !ok {
		t.Fatal("pending order should transition to submitted")
	}

	// Second attempt must be a no-op.
	ok, err = d.MarkSubmitted(ctx, "ord-1", "broker-999")
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if ok {
		t.Fatal("already-submitted order must not transition again")
	}

	o, err := d.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", o.Status)
	}
	if o.BrokerOrderID != "broker-123" {
		t.Fatalf("broker order id = %q, want broker-123", o.BrokerOrderID)
	}
}

func TestListReconcilable(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id     string
		msg    int64
		status OrderStatus
		broker string
	}{
		{"ord-pending", 1, StatusPending, ""},
		{"ord-submitted", 2, StatusSubmitted, "b-1"},
		{"ord-partial", 3, StatusPartiallyFilled, "b-2"},
		{"ord-filled", 4, StatusFilled, "b-3"},
		{"ord-failed", 5, StatusFailed, ""},
	} {
		o := testOrder(tc.id, 7, tc.msg)
		o.Status = tc.status
		o.BrokerOrderID = tc.broker
		if _, err := d.CreateOrder(ctx, o); err != nil {
			t.Fatalf("create %s: %v", tc.id, err)
		}
	}

	orders, err := d.ListReconcilable(ctx)
	if err != nil {
		t.Fatalf("list reconcilable: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d reconcilable orders, want 2", len(orders))
	}
	got := map[string]bool{}
	for _, o := range orders {
		got[o.ID] = true
	}
	if !got["ord-submitted"] || !got["ord-partial"] {
		t.Fatalf("unexpected reconcilable set: %v", got)
	}
}

func TestApplyReconcileResultAtomicFill(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	o := testOrder("ord-1", 1, 1)
	o.Status = StatusSubmitted
	o.BrokerOrderID = "b-1"
	o.Quantity = decimal.RequireFromString("2")
	if _, err := d.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}

	price := decimal.NullDecimal{Decimal: decimal.RequireFromString("100"), Valid: true}
	pos, err := d.ApplyReconcileResult(ctx, "ord-1", ReconcileUpdate{
		Status:    StatusFilled,
		FilledQty: decimal.RequireFromString("2"),
		FillPrice: price,
	})
	if err != nil {
		t.Fatalf("apply reconcile result: %v", err)
	}
	if pos == nil {
		t.Fatal("expected a position update")
	}
	if !pos.Size.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("position size = %s, want 2", pos.Size)
	}
	if !pos.AvgPrice.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("avg price = %s, want 100", pos.AvgPrice)
	}

	got, err := d.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != StatusFilled {
		t.Fatalf("status = %s, want FILLED", got.Status)
	}
	if !got.FilledQty.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("filled qty = %s, want 2", got.FilledQty)
	}
}

func TestApplyReconcileResultPartialFillsAccumulate(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	o := testOrder("ord-1", 1, 1)
	o.Status = StatusSubmitted
	o.BrokerOrderID = "b-1"
	o.Quantity = decimal.RequireFromString("10")
	if _, err := d.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}

	price := func(s string) decimal.NullDecimal {
		return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
	}

	// First partial fill: 4 @ 100.
	if _, err := d.ApplyReconcileResult(ctx, "ord-1", ReconcileUpdate{
		Status:    StatusPartiallyFilled,
		FilledQty: decimal.RequireFromString("4"),
		FillPrice: price("100"),
	}); err != nil {
		t.Fatalf("first partial: %v", err)
	}

	// Exchange reports the same cumulative fill again: no position change.
	pos, err := d.ApplyReconcileResult(ctx, "ord-1", ReconcileUpdate{
		Status:    StatusPartiallyFilled,
		FilledQty: decimal.RequireFromString("4"),
		FillPrice: price("100"),
	})
	if err != nil {
		t.Fatalf("repeat partial: %v", err)
	}
	if pos != nil {
		t.Fatal("unchanged fill must not touch the position")
	}

	// Full fill: remaining 6 @ 110. Weighted avg = (4*100 + 6*110) / 10 = 106.
	pos, err = d.ApplyReconcileResult(ctx, "ord-1", ReconcileUpdate{
		Status:    StatusFilled,
		FilledQty: decimal.RequireFromString("10"),
		FillPrice: price("110"),
	})
	if err != nil {
		t.Fatalf("full fill: %v", err)
	}
	if pos == nil {
		t.Fatal("expected a position update")
	}
	if !pos.Size.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("position size = %s, want 10", pos.Size)
	}
	if !pos.AvgPrice.Equal(decimal.RequireFromString("106")) {
		t.Fatalf("avg price = %s, want 106", pos.AvgPrice)
	}
}

func TestApplyReconcileResultFullCloseResetsAvg(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	price := func(s string) decimal.NullDecimal {
		return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
	}

	buy := testOrder("ord-buy", 1, 1)
	buy.Status = StatusSubmitted
	buy.BrokerOrderID = "b-1"
	buy.Quantity = decimal.RequireFromString("3")
	if _, err := d.CreateOrder(ctx, buy); err != nil {
		t.Fatalf("create buy: %v", err)
	}
	if _, err := d.ApplyReconcileResult(ctx, "ord-buy", ReconcileUpdate{
		Status:    StatusFilled,
		FilledQty: decimal.RequireFromString("3"),
		FillPrice: price("200"),
	}); err != nil {
		t.Fatalf("fill buy: %v", err)
	}

	sell := testOrder("ord-sell", 1, 2)
	sell.Side = "SELL"
	sell.Status = StatusSubmitted
	sell.BrokerOrderID = "b-2"
	sell.Quantity = decimal.RequireFromString("3")
	if _, err := d.CreateOrder(ctx, sell); err != nil {
		t.Fatalf("create sell: %v", err)
	}
	pos, err := d.ApplyReconcileResult(ctx, "ord-sell", ReconcileUpdate{
		Status:    StatusFilled,
		FilledQty: decimal.RequireFromString("3"),
		FillPrice: price("210"),
	})
	if err != nil {
		t.Fatalf("fill sell: %v", err)
	}
	if pos == nil {
		t.Fatal("expected a position update")
	}
	if !pos.Size.IsZero() {
		t.Fatalf("position size = %s, want 0", pos.Size)
	}
	if !pos.AvgPrice.IsZero() {
		t.Fatalf("avg price = %s, want 0 on flat position", pos.AvgPrice)
	}
}

func TestFilledQtyMonotonic(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	o := testOrder("ord-1", 1, 1)
	o.Status = StatusSubmitted
	o.BrokerOrderID = "b-1"
	o.Quantity = decimal.RequireFromString("5")
	if _, err := d.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}

	price := decimal.NullDecimal{Decimal: decimal.RequireFromString("50"), Valid: true}
	if _, err := d.ApplyReconcileResult(ctx, "ord-1", ReconcileUpdate{
		Status:    StatusPartiallyFilled,
		FilledQty: decimal.RequireFromString("3"),
		FillPrice: price,
	}); err != nil {
		t.Fatalf("partial fill: %v", err)
	}

	// A stale lower figure from the exchange must not regress the fill.
	if _, err := d.ApplyReconcileResult(ctx, "ord-1", ReconcileUpdate{
		Status:    StatusPartiallyFilled,
		FilledQty: decimal.RequireFromString("1"),
		FillPrice: price,
	}); err != nil {
		t.Fatalf("stale fill: %v", err)
	}

	got, err := d.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !got.FilledQty.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("filled qty = %s, want 3", got.FilledQty)
	}
}

func TestApplyReconcileResultIgnoresUnsubmittedOrder(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if _, err := d.CreateOrder(ctx, testOrder("ord-1", 1, 1)); err != nil {
		t.Fatalf("create order: %v", err)
	}

	// A stream frame can arrive before the submitting goroutine commits the
	// PENDING -> SUBMITTED transition. It must not move the order, or the
	// broker id would never be recorded and reconciliation could not see it.
	pos, err := d.ApplyReconcileResult(ctx, "ord-1", ReconcileUpdate{
		Status:    StatusSubmitted,
		FilledQty: decimal.Zero,
	})
	if err != nil {
		t.Fatalf("apply on pending order: %v", err)
	}
	if pos != nil {
		t.Fatal("pending order must not touch a position")
	}

	o, err := d.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != StatusPending {
		t.Fatalf("status = %s, want unchanged PENDING", o.Status)
	}

	ok, err := d.MarkSubmitted(ctx, "ord-1", "broker-123")
	if err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if !ok {
		t.Fatal("submission must still win after the early frame")
	}

	orders, err := d.ListReconcilable(ctx)
	if err != nil {
		t.Fatalf("list reconcilable: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "ord-1" {
		t.Fatalf("reconcilable = %v, want [ord-1]", orders)
	}
}

func TestApplyReconcileResultTerminalStatusIsFinal(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	o := testOrder("ord-1", 1, 1)
	o.Status = StatusSubmitted
	o.BrokerOrderID = "b-1"
	o.Quantity = decimal.RequireFromString("2")
	if _, err := d.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}

	price := decimal.NullDecimal{Decimal: decimal.RequireFromString("100"), Valid: true}
	if _, err := d.ApplyReconcileResult(ctx, "ord-1", ReconcileUpdate{
		Status:    StatusFilled,
		FilledQty: decimal.RequireFromString("2"),
		FillPrice: price,
	}); err != nil {
		t.Fatalf("fill: %v", err)
	}

	// A delayed partial-fill frame must not regress the terminal state or
	// move the position again.
	pos, err := d.ApplyReconcileResult(ctx, "ord-1", ReconcileUpdate{
		Status:    StatusPartiallyFilled,
		FilledQty: decimal.RequireFromString("1"),
		FillPrice: price,
	})
	if err != nil {
		t.Fatalf("late frame: %v", err)
	}
	if pos != nil {
		t.Fatal("late frame must not touch the position")
	}

	got, err := d.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != StatusFilled {
		t.Fatalf("status = %s, want FILLED to stay final", got.Status)
	}
	if !got.FilledQty.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("filled qty = %s, want 2", got.FilledQty)
	}

	p, err := d.GetPosition(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !p.Size.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("position size = %s, want 2", p.Size)
	}
}

func TestGetPositionMissingReturnsZero(t *testing.T) {
	d := newTestDB(t)

	p, err := d.GetPosition(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !p.Size.IsZero() || !p.AvgPrice.IsZero() {
		t.Fatalf("expected zero position, got size=%s avg=%s", p.Size, p.AvgPrice)
	}
}
