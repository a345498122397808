package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-virtual-checkout/internal/orders"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"strings"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// viewGone marks a deleted order so a read that loaded the order before the
// delete cannot bring it back.
const viewGone = "gone"

// putView stores "<version>:<json>" unless the cached entry is a tombstone
// or carries the same or a newer version.
var putView = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	if cur == ARGV[4] then return 0 end
	local v = string.match(cur, '^(%d+):')
	if v and v >= ARGV[1] then return 0 end
end
redis.call('SET', KEYS[1], ARGV[1] .. ':' .. ARGV[2], 'PX', ARGV[3])
return 1
`)

// ViewCache stores rendered order views versioned by their update time.
// Calls go through a circuit breaker so a failing redis is skipped quickly
// instead of slowing every request.
type ViewCache struct {
	rdb *redis.Client
	ttl time.Duration
	cb  *gobreaker.CircuitBreaker[[]byte]
}

func NewViewCache(rdb *redis.Client, ttl time.Duration) *ViewCache {
	if ttl <= 0 {
		ttl = TTLViewCache
	}
	return &ViewCache{
		rdb: rdb,
		ttl: ttl,
		cb: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        "redis-order-view",
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		}),
	}
}

func viewKey(orderID int64) string { return fmt.Sprintf(KeyOrderView, orderID) }

// viewVersion is fixed width so versions compare as strings.
func viewVersion(v orders.OrderView) string { return fmt.Sprintf("%020d", v.UpdatedAt.UnixNano()) }

func (c *ViewCache) Get(ctx context.Context, orderID int64) (orders.OrderView, error) {
	b, err := c.cb.Execute(func() ([]byte, error) {
		b, err := c.rdb.Get(ctx, viewKey(orderID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return b, err
	})
	if err != nil {
		return orders.OrderView{}, err
	}
	if b == nil || string(b) == viewGone {
		return orders.OrderView{}, ErrCacheMiss
	}
	_, body, ok := strings.Cut(string(b), ":")
	if !ok {
		return orders.OrderView{}, fmt.Errorf("cached order view %d has no version", orderID)
	}
	var v orders.OrderView
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return orders.OrderView{}, fmt.Errorf("decode cached order view: %w", err)
	}
	return v, nil
}

// Put caches v unless a newer view of the same order, or its deletion, is
// already cached. It reports whether v was written.
func (c *ViewCache) Put(ctx context.Context, v orders.OrderView) (bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	var stored bool
	_, err = c.cb.Execute(func() ([]byte, error) {
		n, err := putView.Run(ctx, c.rdb, []string{viewKey(v.ID)},
			viewVersion(v), b, c.ttl.Milliseconds(), viewGone).Int()
		stored = n == 1
		return nil, err
	})
	return stored, err
}

// Invalidate replaces the cached view with a tombstone that lives for the
// cache TTL.
func (c *ViewCache) Invalidate(ctx context.Context, orderID int64) error {
	_, err := c.cb.Execute(func() ([]byte, error) {
		return nil, c.rdb.Set(ctx, viewKey(orderID), viewGone, c.ttl).Err()
	})
	return err
}
