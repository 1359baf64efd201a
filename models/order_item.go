package models

import (
	"time"
)

type OrderItem struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"order_id"`
	MenuItemID   string    `json:"menu_item_id"`
	Name         string    `json:"name"`
	Quantity     int       `json:"quantity"`
	Price        float64   `json:"price"`
	Notes        string    `json:"notes,omitempty"`
	ParentItemID string    `json:"parent_item_id,omitempty"` // add-on
	Status       string    `json:"status"`
	Synced       bool      `json:"synced"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (i OrderItem) Subtotal() float64 {
	return float64(i.Quantity) * i.Price
}

func (i OrderItem) ToRecord() Record {
	rec := NewRecord(i.ID, map[string]interface{}{
		"order_id":     i.OrderID,
		"menu_item_id": i.MenuItemID,
		"name":         i.Name,
		"quantity":     float64(i.Quantity),
		"price":        i.Price,
		"notes":        i.Notes,
		"status":       i.Status,
	})
	if i.ParentItemID != "" {
		rec.Set("parent_item_id", i.ParentItemID)
	}
	rec.Synced = i.Synced
	rec.CreatedAt = i.CreatedAt
	rec.UpdatedAt = i.UpdatedAt
	return rec
}

func OrderItemFromRecord(rec Record) OrderItem {
	return OrderItem{
		ID:           rec.ID,
		OrderID:      rec.String("order_id"),
		MenuItemID:   rec.String("menu_item_id"),
		Name:         rec.String("name"),
		Quantity:     int(rec.Float("quantity")),
		Price:        rec.Float("price"),
		Notes:        rec.String("notes"),
		ParentItemID: rec.String("parent_item_id"),
		Status:       rec.String("status"),
		Synced:       rec.Synced,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}
