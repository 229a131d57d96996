package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/catalyst/internal/domain"
)

const orderColumns = `order_id, broker_order_id, cycle_id, security_id, position_id, side,
order_type, quantity, limit_price, stop_price, time_in_force, status, submitted_at,
filled_at, fill_price, fill_quantity, fees, reject_reason, created_at`

// InsertOrder writes a new order row.
func (g *Gateway) InsertOrder(ctx context.Context, order *domain.Order) error {
	if order.Quantity <= 0 {
		return domain.Classifiedf(domain.ErrValidation, "order quantity must be positive, got %f", order.Quantity)
	}

	_, err := g.db.ExecContext(ctx, `
		INSERT INTO orders
			(order_id, broker_order_id, cycle_id, security_id, position_id, side, order_type,
			 quantity, limit_price, stop_price, time_in_force, status, submitted_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.OrderID, order.BrokerOrderID, order.CycleID, order.SecurityID,
		nullableString(order.PositionID), string(order.Side), string(order.Type),
		order.Quantity, nullableFloat(order.LimitPrice), nullableFloat(order.StopPrice),
		string(order.TimeInForce), string(order.Status), nullableTime(order.SubmittedAt),
		formatTime(order.CreatedAt))
	if err != nil {
		return storeErr(fmt.Errorf("failed to insert order %s: %w", order.OrderID, err))
	}
	return nil
}

// OrderStatusUpdate carries the mutable fields of an order lifecycle update.
type OrderStatusUpdate struct {
	Status        domain.OrderStatus
	BrokerOrderID string
	SubmittedAt   *time.Time
	FilledAt      *time.Time
	FillPrice     *float64
	FillQuantity  float64
	Fees          float64
	RejectReason  string
}

// UpdateOrderStatus applies a lifecycle update to an order.
func (g *Gateway) UpdateOrderStatus(ctx context.Context, orderID string, upd OrderStatusUpdate) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE orders SET
			status = ?,
			broker_order_id = COALESCE(NULLIF(?, ''), broker_order_id),
			submitted_at = COALESCE(?, submitted_at),
			filled_at = COALESCE(?, filled_at),
			fill_price = COALESCE(?, fill_price),
			fill_quantity = CASE WHEN ? > 0 THEN ? ELSE fill_quantity END,
			fees = CASE WHEN ? > 0 THEN ? ELSE fees END,
			reject_reason = COALESCE(NULLIF(?, ''), reject_reason)
		WHERE order_id = ?`,
		string(upd.Status), upd.BrokerOrderID, nullableTime(upd.SubmittedAt),
		nullableTime(upd.FilledAt), nullableFloat(upd.FillPrice),
		upd.FillQuantity, upd.FillQuantity, upd.Fees, upd.Fees,
		upd.RejectReason, orderID)
	if err != nil {
		return storeErr(fmt.Errorf("failed to update order %s: %w", orderID, err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		return domain.Classifiedf(domain.ErrValidation, "unknown order %s", orderID)
	}
	return nil
}

// LinkOrderToPosition records which position an order opened or closed.
func (g *Gateway) LinkOrderToPosition(ctx context.Context, orderID, positionID string) error {
	_, err := g.db.ExecContext(ctx,
		"UPDATE orders SET position_id = ? WHERE order_id = ?", positionID, orderID)
	if err != nil {
		return storeErr(fmt.Errorf("failed to link order %s to position %s: %w", orderID, positionID, err))
	}
	return nil
}

// GetOrder returns an order by id, or nil when it does not exist.
func (g *Gateway) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	rows, err := g.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE order_id = ?", orderID)
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to query order %s: %w", orderID, err))
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	order, err := scanOrder(rows)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// OrdersForCycle returns every order belonging to a cycle, newest first.
func (g *Gateway) OrdersForCycle(ctx context.Context, cycleID string) ([]domain.Order, error) {
	rows, err := g.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE cycle_id = ? ORDER BY created_at DESC", cycleID)
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to query orders for cycle %s: %w", cycleID, err))
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return orders, nil
}

func scanOrder(rows *sql.Rows) (*domain.Order, error) {
	var (
		o             domain.Order
		brokerOrderID sql.NullString
		positionID    sql.NullString
		side          string
		orderType     string
		limitPrice    sql.NullFloat64
		stopPrice     sql.NullFloat64
		tif           string
		status        string
		submittedAt   sql.NullString
		filledAt      sql.NullString
		fillPrice     sql.NullFloat64
		rejectReason  sql.NullString
		createdAt     string
	)

	err := rows.Scan(&o.OrderID, &brokerOrderID, &o.CycleID, &o.SecurityID, &positionID,
		&side, &orderType, &o.Quantity, &limitPrice, &stopPrice, &tif, &status,
		&submittedAt, &filledAt, &fillPrice, &o.FillQuantity, &o.Fees, &rejectReason, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	o.BrokerOrderID = brokerOrderID.String
	if positionID.Valid {
		v := positionID.String
		o.PositionID = &v
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	if limitPrice.Valid {
		v := limitPrice.Float64
		o.LimitPrice = &v
	}
	if stopPrice.Valid {
		v := stopPrice.Float64
		o.StopPrice = &v
	}
	if fillPrice.Valid {
		v := fillPrice.Float64
		o.FillPrice = &v
	}
	if o.SubmittedAt, err = scanNullTime(submittedAt); err != nil {
		return nil, err
	}
	if o.FilledAt, err = scanNullTime(filledAt); err != nil {
		return nil, err
	}
	o.RejectReason = rejectReason.String
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	return &o, nil
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
