package models

// MenuItem is the read model of a menu_items record.
type MenuItem struct {
	ID          string  `json:"id"`
	CategoryID  string  `json:"category_id"`
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	Description string  `json:"description,omitempty"`
	ImageURL    string  `json:"image_url,omitempty"`
	Available   bool    `json:"is_available"`
}

func MenuItemFromRecord(rec Record) MenuItem {
	available := true
	if v, ok := rec.Get("is_available"); ok {
		if b, ok := v.(bool); ok {
			available = b
		}
	}
	return MenuItem{
		ID:          rec.ID,
		CategoryID:  rec.String("category_id"),
		Name:        rec.String("name"),
		Price:       rec.Float("price"),
		Description: rec.String("description"),
		ImageURL:    rec.String("image_url"),
		Available:   available,
	}
}
