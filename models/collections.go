package models

// Remote collection names. The local store uses the same names.
const (
	CollectionOrders         = "orders"
	CollectionOrderItems     = "order_items"
	CollectionMenuCategories = "menu_categories"
	CollectionMenuItems      = "menu_items"
	CollectionTables         = "restaurant_tables"
	CollectionWaiters        = "waiters"
	CollectionInventoryItems = "inventory_items"
	CollectionAuditLogs      = "audit_logs"
	CollectionDailySummaries = "daily_summaries"
	CollectionSettings       = "settings"
)

// EssentialCollections are prefetched so the floor can keep taking orders offline.
var EssentialCollections = []string{
	CollectionMenuCategories,
	CollectionMenuItems,
	CollectionTables,
	CollectionWaiters,
}

// Relation declares that Child records point at Parent records through Field.
type Relation struct {
	Parent string
	Child  string
	Field  string
}

// OrderRelations: order items reference their order, add-ons reference their parent item.
var OrderRelations = []Relation{
	{Parent: CollectionOrders, Child: CollectionOrderItems, Field: "order_id"},
	{Parent: CollectionOrderItems, Child: CollectionOrderItems, Field: "parent_item_id"},
}
