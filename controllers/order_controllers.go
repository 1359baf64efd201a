package controllers

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/restaurant-sync/apperrors"
	"github.com/yeremiapane/restaurant-sync/kds"
	"github.com/yeremiapane/restaurant-sync/models"
	"github.com/yeremiapane/restaurant-sync/store"
	"github.com/yeremiapane/restaurant-sync/synchronizer"
	"github.com/yeremiapane/restaurant-sync/utils"
)

// Submitter is the write path of the synchronizer.
type Submitter interface {
	SubmitMutation(ctx context.Context, m synchronizer.Mutation) (synchronizer.Result, error)
	ResolveID(collection, id string) string
}

type OrderController struct {
	Store *store.LocalStore
	Sync  Submitter
	Hub   *kds.Hub
}

func NewOrderController(s *store.LocalStore, sync Submitter, hub *kds.Hub) *OrderController {
	return &OrderController{Store: s, Sync: sync, Hub: hub}
}

type itemReq struct {
	MenuItemID string    `json:"menu_item_id" binding:"required"`
	Quantity   int       `json:"quantity" binding:"required,min=1"`
	Notes      string    `json:"notes"`
	AddOns     []itemReq `json:"add_ons" binding:"dive"`
}

type createOrderReq struct {
	TableID      string    `json:"table_id" binding:"required"`
	WaiterID     string    `json:"waiter_id"`
	CustomerName string    `json:"customer_name"`
	Notes        string    `json:"notes"`
	Items        []itemReq `json:"items" binding:"required,min=1,dive"`
}

// OrderResponse is an order plus whether it still waits in the sync queue.
type OrderResponse struct {
	models.Order
	Queued bool `json:"queued"`
}

// loadOrder -> order + items dari local store
func (oc *OrderController) loadOrder(ctx context.Context, id string) (models.Order, bool, error) {
	rec, found, err := oc.Store.Get(ctx, models.CollectionOrders, id)
	if err != nil || !found {
		return models.Order{}, found, err
	}
	order := models.OrderFromRecord(rec)
	items, err := oc.Store.Find(ctx, models.CollectionOrderItems, "order_id", id)
	if err != nil {
		return models.Order{}, false, err
	}
	for _, item := range items {
		order.OrderItems = append(order.OrderItems, models.OrderItemFromRecord(item))
	}
	sort.Slice(order.OrderItems, func(i, j int) bool {
		return order.OrderItems[i].CreatedAt.Before(order.OrderItems[j].CreatedAt)
	})
	return order, true, nil
}

// GetAllOrders -> list orders beserta items, newest first. ?status= filters.
func (oc *OrderController) GetAllOrders(c *gin.Context) {
	ctx := c.Request.Context()
	recs, err := oc.Store.GetAll(ctx, models.CollectionOrders)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	items, err := oc.Store.GetAll(ctx, models.CollectionOrderItems)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	byOrder := make(map[string][]models.OrderItem)
	for _, item := range items {
		oi := models.OrderItemFromRecord(item)
		byOrder[oi.OrderID] = append(byOrder[oi.OrderID], oi)
	}

	status := c.Query("status")
	orders := make([]models.Order, 0, len(recs))
	for _, rec := range recs {
		order := models.OrderFromRecord(rec)
		if status != "" && order.Status != status {
			continue
		}
		if its, ok := byOrder[order.ID]; ok {
			order.OrderItems = its
		}
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	utils.RespondJSON(c, http.StatusOK, "List of orders", orders)
}

// CreateOrder writes the order and its items through the synchronizer.
// Prices come from the local menu copy so this works offline.
func (oc *OrderController) CreateOrder(c *gin.Context) {
	ctx := c.Request.Context()
	var body createOrderReq
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	menu := make(map[string]models.MenuItem)
	var total float64
	var price func(reqs []itemReq) error
	price = func(reqs []itemReq) error {
		for _, r := range reqs {
			rec, found, err := oc.Store.Get(ctx, models.CollectionMenuItems, r.MenuItemID)
			if err != nil {
				return err
			}
			if !found {
				return apperrors.Validation("create order", "menu item "+r.MenuItemID+" not found")
			}
			item := models.MenuItemFromRecord(rec)
			if !item.Available {
				return apperrors.Validation("create order", item.Name+" is not available")
			}
			menu[item.ID] = item
			total += float64(r.Quantity) * item.Price
			if err := price(r.AddOns); err != nil {
				return err
			}
		}
		return nil
	}
	if err := price(body.Items); err != nil {
		utils.RespondAppError(c, err)
		return
	}

	order := models.Order{
		TableID:      body.TableID,
		WaiterID:     body.WaiterID,
		CustomerName: body.CustomerName,
		Notes:        body.Notes,
		Status:       models.OrderStatusPending,
		TotalAmount:  total,
	}
	res, err := oc.Sync.SubmitMutation(ctx, synchronizer.Mutation{
		Action:     models.ActionCreate,
		Collection: models.CollectionOrders,
		Record:     order.ToRecord(),
	})
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	queued := res.Queued
	orderID := res.Record.ID

	var create func(reqs []itemReq, parentID string) error
	create = func(reqs []itemReq, parentID string) error {
		for _, r := range reqs {
			m := menu[r.MenuItemID]
			item := models.OrderItem{
				OrderID:      orderID,
				MenuItemID:   m.ID,
				Name:         m.Name,
				Quantity:     r.Quantity,
				Price:        m.Price,
				Notes:        r.Notes,
				ParentItemID: parentID,
				Status:       models.OrderStatusPending,
			}
			res, err := oc.Sync.SubmitMutation(ctx, synchronizer.Mutation{
				Action:     models.ActionCreate,
				Collection: models.CollectionOrderItems,
				Record:     item.ToRecord(),
			})
			if err != nil {
				return err
			}
			queued = queued || res.Queued
			if err := create(r.AddOns, res.Record.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := create(body.Items, ""); err != nil {
		utils.ErrorLogger.Errorf("Error creating items of order %s: %v", orderID, err)
		utils.RespondAppError(c, err)
		return
	}

	created, _, err := oc.loadOrder(ctx, orderID)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	oc.broadcast(created)
	utils.InfoLogger.Printf("Order %s created for table %s (%s, queued=%v)", orderID, body.TableID, utils.FormatCurrencyIDR(total), queued)
	utils.RespondJSON(c, http.StatusCreated, "Order created", OrderResponse{Order: created, Queued: queued})
}

// GetOrderByID -> detail 1 order. Stale offline ids are resolved.
func (oc *OrderController) GetOrderByID(c *gin.Context) {
	id := oc.Sync.ResolveID(models.CollectionOrders, c.Param("order_id"))
	order, found, err := oc.loadOrder(c.Request.Context(), id)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	if !found {
		utils.RespondError(c, http.StatusNotFound, fmt.Errorf("order %s not found", id))
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Order detail", order)
}

type updateOrderReq struct {
	Status       *string  `json:"status" binding:"omitempty,oneof=pending cooking served completed cancelled"`
	Notes        *string  `json:"notes"`
	CustomerName *string  `json:"customer_name"`
	TableID      *string  `json:"table_id"`
	TotalAmount  *float64 `json:"total_amount" binding:"omitempty,min=0"`
}

func (oc *OrderController) UpdateOrder(c *gin.Context) {
	ctx := c.Request.Context()
	id := oc.Sync.ResolveID(models.CollectionOrders, c.Param("order_id"))

	var req updateOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	patch := map[string]interface{}{}
	if req.Status != nil {
		patch["status"] = *req.Status
	}
	if req.Notes != nil {
		patch["notes"] = *req.Notes
	}
	if req.CustomerName != nil {
		patch["customer_name"] = *req.CustomerName
	}
	if req.TableID != nil {
		patch["table_id"] = *req.TableID
	}
	if req.TotalAmount != nil {
		patch["total_amount"] = *req.TotalAmount
	}
	if len(patch) == 0 {
		utils.RespondError(c, http.StatusBadRequest, fmt.Errorf("nothing to update"))
		return
	}
	if _, found, err := oc.Store.Get(ctx, models.CollectionOrders, id); err != nil {
		utils.RespondAppError(c, err)
		return
	} else if !found {
		utils.RespondError(c, http.StatusNotFound, fmt.Errorf("order %s not found", id))
		return
	}

	res, err := oc.Sync.SubmitMutation(ctx, synchronizer.Mutation{
		Action:     models.ActionUpdate,
		Collection: models.CollectionOrders,
		Record:     models.NewRecord(id, patch),
	})
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	order, _, err := oc.loadOrder(ctx, res.Record.ID)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	oc.broadcast(order)
	utils.RespondJSON(c, http.StatusOK, "Order updated", OrderResponse{Order: order, Queued: res.Queued})
}

// UpdateOrderItem -> status satu item (dapur: pending -> cooking -> served)
func (oc *OrderController) UpdateOrderItem(c *gin.Context) {
	ctx := c.Request.Context()
	orderID := oc.Sync.ResolveID(models.CollectionOrders, c.Param("order_id"))
	itemID := oc.Sync.ResolveID(models.CollectionOrderItems, c.Param("item_id"))

	var req struct {
		Status string `json:"status" binding:"required,oneof=pending cooking served cancelled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	rec, found, err := oc.Store.Get(ctx, models.CollectionOrderItems, itemID)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	if !found || rec.String("order_id") != orderID {
		utils.RespondError(c, http.StatusNotFound, fmt.Errorf("item %s not found in order %s", itemID, orderID))
		return
	}

	res, err := oc.Sync.SubmitMutation(ctx, synchronizer.Mutation{
		Action:     models.ActionUpdate,
		Collection: models.CollectionOrderItems,
		Record:     models.NewRecord(itemID, map[string]interface{}{"status": req.Status}),
	})
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	order, _, err := oc.loadOrder(ctx, orderID)
	if err == nil {
		oc.broadcast(order)
	}
	utils.RespondJSON(c, http.StatusOK, "Item updated", models.OrderItemFromRecord(res.Record))
}

// DeleteOrder removes the items first, then the order.
func (oc *OrderController) DeleteOrder(c *gin.Context) {
	ctx := c.Request.Context()
	id := oc.Sync.ResolveID(models.CollectionOrders, c.Param("order_id"))

	order, found, err := oc.loadOrder(ctx, id)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	if !found {
		utils.RespondError(c, http.StatusNotFound, fmt.Errorf("order %s not found", id))
		return
	}

	// add-on dulu, baru item induknya
	sort.SliceStable(order.OrderItems, func(i, j int) bool {
		return order.OrderItems[i].ParentItemID != "" && order.OrderItems[j].ParentItemID == ""
	})
	for _, item := range order.OrderItems {
		if _, err := oc.Sync.SubmitMutation(ctx, synchronizer.Mutation{
			Action:     models.ActionDelete,
			Collection: models.CollectionOrderItems,
			Record:     models.NewRecord(item.ID, nil),
		}); err != nil {
			utils.RespondAppError(c, err)
			return
		}
	}
	res, err := oc.Sync.SubmitMutation(ctx, synchronizer.Mutation{
		Action:     models.ActionDelete,
		Collection: models.CollectionOrders,
		Record:     models.NewRecord(id, nil),
	})
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}

	order.Status = models.OrderStatusCancelled
	oc.broadcast(order)
	utils.RespondJSON(c, http.StatusOK, "Order deleted", gin.H{"order_id": id, "queued": res.Queued})
}

func (oc *OrderController) broadcast(order models.Order) {
	if oc.Hub != nil {
		oc.Hub.BroadcastOrderUpdate(order)
	}
}
