package models

type Table struct {
	ID          string `json:"id"`
	TableNumber string `json:"table_number"`
	Status      string `json:"status"`
}

func TableFromRecord(rec Record) Table {
	return Table{
		ID:          rec.ID,
		TableNumber: rec.String("table_number"),
		Status:      rec.String("status"),
	}
}
