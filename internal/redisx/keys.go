package redisx

import "time"

const (
	// Distributed lock per stock key: lock:stock:{product[:variation]} -> holder token
	KeyLockPrefix = "lock:stock:"

	// Read-path snapshot: stock:snapshot:{product[:variation]} -> {"total_stock":..,"available_stock":..}
	KeyStockSnapshot = "stock:snapshot:%s"

	// Dedup event processing: dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLStockSnapshot = 2 * time.Second
	TTLDedup         = 24 * time.Hour
)
