package redisx

import "time"

const (
	// Idempotency create order: idem:order:create:{key} -> order_id ("0" while in flight)
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Cached order view: order_view:{order_id} -> OrderView JSON
	KeyOrderView = "order_view:%d"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLViewCache   = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
