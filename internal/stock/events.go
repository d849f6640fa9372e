package stock

import (
	"encoding/json"
	"time"
)

const (
	EventStockChanged   = "StockChanged"
	EventCatalogUpdated = "CatalogStockUpdated"
)

const (
	TopicStockChanged   = "stock.changed"
	TopicCatalogUpdated = "catalog.stock.updated"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // stock key
	Payload       json.RawMessage `json:"payload"`
}

// StockChangedPayload is the lightweight notification emitted after every
// committed change of available stock.
type StockChangedPayload struct {
	ProductID      string `json:"product_id"`
	VariationID    string `json:"variation_id,omitempty"`
	AvailableStock int    `json:"available_stock"`
	TotalStock     int    `json:"total_stock"`
	ReservedStock  int    `json:"reserved_stock"`
}

// CatalogUpdatedPayload asks the core to resync a key from the catalog.
type CatalogUpdatedPayload struct {
	ProductID   string `json:"product_id"`
	VariationID string `json:"variation_id,omitempty"`
}

// Partition key = stock key, so all events of one product stay ordered.
func PartitionKey(k Key) []byte { return []byte(k.String()) }
