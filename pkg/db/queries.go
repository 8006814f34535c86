package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CreateOrder inserts a new order row. The UNIQUE(chat_id, message_id) index
// makes signal deduplication a property of the store: a redelivered signal
// inserts nothing and inserted is false.
func (d *Database) CreateOrder(ctx context.Context, o Order) (inserted bool, err error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO orders (
			id, chat_id, message_id, symbol, side, order_type, price, quantity,
			filled_qty, status, broker_order_id, leverage, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
	`,
		o.ID, o.ChatID, o.MessageID, o.Symbol, o.Side, o.OrderType, nullDecimal(o.Price),
		o.Quantity.String(), o.FilledQty.String(), string(o.Status),
		nullString(o.BrokerOrderID), o.Leverage, o.Metadata, o.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetOrder returns an order by id, or nil if not found.
func (d *Database) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, selectOrder+` WHERE id = ?`, id)
	return scanOrder(row)
}

// GetOrderBySignal returns the order created for an inbound signal, if any.
func (d *Database) GetOrderBySignal(ctx context.Context, chatID, messageID int64) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, selectOrder+` WHERE chat_id = ? AND message_id = ?`, chatID, messageID)
	return scanOrder(row)
}

// MarkSubmitted records exchange acceptance. The status guard makes the
// transition race-safe: only a still-PENDING order can become SUBMITTED.
func (d *Database) MarkSubmitted(ctx context.Context, id, brokerOrderID string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, broker_order_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, string(StatusSubmitted), brokerOrderID, id, string(StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkSubmissionFailed moves a PENDING order to FAILED or ERROR.
func (d *Database) MarkSubmissionFailed(ctx context.Context, id string, status OrderStatus) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, string(status), id, string(StatusPending))
	return err
}

// ListReconcilable returns orders awaiting exchange truth: submitted or
// partially filled, with a broker order id.
func (d *Database) ListReconcilable(ctx context.Context) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, selectOrder+`
		WHERE status IN (?, ?) AND broker_order_id IS NOT NULL AND broker_order_id != ''
		ORDER BY created_at`,
		string(StatusSubmitted), string(StatusPartiallyFilled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *o)
	}
	return res, rows.Err()
}

// ListOrders returns the most recent orders, newest first.
func (d *Database) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, selectOrder+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *o)
	}
	return res, rows.Err()
}

// ReconcileUpdate is the outcome of one reconciliation pass over one order.
type ReconcileUpdate struct {
	Status    OrderStatus
	FilledQty decimal.Decimal
	FillPrice decimal.NullDecimal // price applied to the position update
}

// ApplyReconcileResult commits an order status/fill update together with the
// derived position change in a single transaction: both apply, or neither
// does. The position delta is the increase in filled quantity since the last
// pass, so repeated partial fills never double-count. Only in-flight orders
// with a recorded broker id are touched: a terminal status is final, and an
// order whose submission has not committed yet must stay PENDING so the
// MarkSubmitted guard can record the broker id. Returns the updated position
// when one was touched.
func (d *Database) ApplyReconcileResult(ctx context.Context, orderID string, upd ReconcileUpdate) (*Position, error) {
	var touched *Position
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, selectOrder+` WHERE id = ?`, orderID)
		o, err := scanOrder(row)
		if err != nil {
			return err
		}
		if o == nil {
			return fmt.Errorf("order %s not found", orderID)
		}
		if o.Status.IsTerminal() || o.BrokerOrderID == "" {
			return nil
		}

		// filled_qty is monotonically non-decreasing.
		newFilled := upd.FilledQty
		if newFilled.LessThan(o.FilledQty) {
			newFilled = o.FilledQty
		}
		fillDelta := newFilled.Sub(o.FilledQty)

		if _, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = ?, filled_qty = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, string(upd.Status), newFilled.String(), orderID); err != nil {
			return err
		}

		if fillDelta.Sign() <= 0 {
			return nil
		}

		price := upd.FillPrice
		if !price.Valid {
			price = o.Price
		}
		pos, err := applyFillTx(ctx, tx, o.Symbol, o.Side, fillDelta, price)
		if err != nil {
			return err
		}
		touched = pos
		return nil
	})
	return touched, err
}

// applyFillTx folds a fill into the symbol position using weighted average
// cost. size crossing zero resets avg_price to 0.
func applyFillTx(ctx context.Context, tx *sql.Tx, symbol, side string, qty decimal.Decimal, price decimal.NullDecimal) (*Position, error) {
	var sizeStr, avgStr string
	err := tx.QueryRowContext(ctx, `SELECT size, avg_price FROM positions WHERE symbol = ?`, symbol).
		Scan(&sizeStr, &avgStr)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	oldSize := decimal.Zero
	oldAvg := decimal.Zero
	if err == nil {
		if oldSize, err = decimal.NewFromString(sizeStr); err != nil {
			return nil, fmt.Errorf("position %s size: %w", symbol, err)
		}
		if oldAvg, err = decimal.NewFromString(avgStr); err != nil {
			return nil, fmt.Errorf("position %s avg_price: %w", symbol, err)
		}
	}

	change := qty
	if side == "SELL" {
		change = qty.Neg()
	}
	newSize := oldSize.Add(change)

	newAvg := oldAvg
	switch {
	case newSize.IsZero():
		newAvg = decimal.Zero
	case price.Valid:
		totalCost := oldSize.Mul(oldAvg).Add(change.Mul(price.Decimal))
		newAvg = totalCost.Div(newSize).Abs()
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO positions (symbol, size, avg_price, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			size = excluded.size,
			avg_price = excluded.avg_price,
			updated_at = excluded.updated_at
	`, symbol, newSize.String(), newAvg.String(), now); err != nil {
		return nil, err
	}

	return &Position{Symbol: symbol, Size: newSize, AvgPrice: newAvg, UpdatedAt: now}, nil
}

// GetPosition returns the position for a symbol, or a zero position.
func (d *Database) GetPosition(ctx context.Context, symbol string) (Position, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT symbol, size, avg_price, updated_at FROM positions WHERE symbol = ?`, symbol)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return Position{Symbol: symbol, Size: decimal.Zero, AvgPrice: decimal.Zero}, nil
	}
	return p, err
}

// ListPositions returns all positions, including fully closed ones.
func (d *Database) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, size, avg_price, updated_at FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// InsertAuditEvent persists one audit trail entry. Best-effort callers may
// ignore the returned error.
func (d *Database) InsertAuditEvent(ctx context.Context, id, eventType, payload, instance string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO audit_events (id, event_type, payload, instance)
		VALUES (?, ?, ?, ?)
	`, id, eventType, payload, instance)
	return err
}

const selectOrder = `
	SELECT id, chat_id, message_id, symbol, side, order_type, price, quantity,
	       filled_qty, status, COALESCE(broker_order_id, ''), leverage,
	       COALESCE(metadata, ''), created_at, updated_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row *sql.Row) (*Order, error) {
	o, err := scanOrderRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func scanOrderRows(row rowScanner) (*Order, error) {
	var (
		o        Order
		status   string
		price    sql.NullString
		quantity string
		filled   string
	)
	if err := row.Scan(&o.ID, &o.ChatID, &o.MessageID, &o.Symbol, &o.Side, &o.OrderType,
		&price, &quantity, &filled, &status, &o.BrokerOrderID, &o.Leverage,
		&o.Metadata, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = OrderStatus(status)

	var err error
	if o.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("order %s quantity: %w", o.ID, err)
	}
	if o.FilledQty, err = decimal.NewFromString(filled); err != nil {
		return nil, fmt.Errorf("order %s filled_qty: %w", o.ID, err)
	}
	if price.Valid && price.String != "" {
		p, err := decimal.NewFromString(price.String)
		if err != nil {
			return nil, fmt.Errorf("order %s price: %w", o.ID, err)
		}
		o.Price = decimal.NullDecimal{Decimal: p, Valid: true}
	}
	return &o, nil
}

func scanPosition(row rowScanner) (Position, error) {
	var (
		p             Position
		sizeStr, avgS string
	)
	if err := row.Scan(&p.Symbol, &sizeStr, &avgS, &p.UpdatedAt); err != nil {
		return Position{}, err
	}
	var err error
	if p.Size, err = decimal.NewFromString(sizeStr); err != nil {
		return Position{}, fmt.Errorf("position %s size: %w", p.Symbol, err)
	}
	if p.AvgPrice, err = decimal.NewFromString(avgS); err != nil {
		return Position{}, fmt.Errorf("position %s avg_price: %w", p.Symbol, err)
	}
	return p, nil
}

func nullDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
