package models

import (
	"time"
)

// Order statuses as used by the floor and the kitchen.
const (
	OrderStatusPending   = "pending"
	OrderStatusCooking   = "cooking"
	OrderStatusServed    = "served"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

type Order struct {
	ID           string      `json:"id"`
	TableID      string      `json:"table_id" validate:"required"`
	WaiterID     string      `json:"waiter_id,omitempty"`
	CustomerName string      `json:"customer_name,omitempty"`
	Status       string      `json:"status"`
	TotalAmount  float64     `json:"total_amount"`
	Notes        string      `json:"notes,omitempty"`
	ImageIDs     []string    `json:"image_ids,omitempty"`
	Synced       bool        `json:"synced"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	OrderItems   []OrderItem `json:"order_items"`
}

// ToRecord -> payload yang disimpan di local store / dikirim ke remote (tanpa items)
func (o Order) ToRecord() Record {
	rec := NewRecord(o.ID, map[string]interface{}{
		"table_id":      o.TableID,
		"waiter_id":     o.WaiterID,
		"customer_name": o.CustomerName,
		"status":        o.Status,
		"total_amount":  o.TotalAmount,
		"notes":         o.Notes,
	})
	if len(o.ImageIDs) > 0 {
		ids := make([]interface{}, len(o.ImageIDs))
		for i, id := range o.ImageIDs {
			ids[i] = id
		}
		rec.Set("image_ids", ids)
	}
	rec.Synced = o.Synced
	rec.CreatedAt = o.CreatedAt
	rec.UpdatedAt = o.UpdatedAt
	return rec
}

func OrderFromRecord(rec Record) Order {
	return Order{
		ID:           rec.ID,
		TableID:      rec.String("table_id"),
		WaiterID:     rec.String("waiter_id"),
		CustomerName: rec.String("customer_name"),
		Status:       rec.String("status"),
		TotalAmount:  rec.Float("total_amount"),
		Notes:        rec.String("notes"),
		ImageIDs:     StringSlice(rec, "image_ids"),
		Synced:       rec.Synced,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		OrderItems:   []OrderItem{},
	}
}

// StringSlice reads a JSON array field as strings, skipping non-string values.
func StringSlice(rec Record, key string) []string {
	v, ok := rec.Get(key)
	if !ok {
		return nil
	}
	switch items := v.(type) {
	case []string:
		return append([]string(nil), items...)
	case []interface{}:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
