package redisx

import (
	"context"
	"errors"
	"fmt"
	"github.com/redis/go-redis/v9"
	"strconv"
)

// ErrInFlight means another request with the same key has not finished.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

const inFlight = "0"

type Idempotency struct{ RDB *redis.Client }

func idemKey(key string) string { return fmt.Sprintf(KeyIdemOrderCreate, key) }

// Claim reserves key for the caller. When the key already completed it
// returns the remembered order id and claimed=false.
func (i *Idempotency) Claim(ctx context.Context, key string) (orderID int64, claimed bool, err error) {
	ok, err := i.RDB.SetNX(ctx, idemKey(key), inFlight, TTLIdempotency).Result()
	if err != nil {
		return 0, false, err
	}
	if ok {
		return 0, true, nil
	}
	v, err := i.RDB.Get(ctx, idemKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; try once more
		return i.Claim(ctx, key)
	}
	if err != nil {
		return 0, false, err
	}
	if v == inFlight {
		return 0, false, ErrInFlight
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt idempotency entry %q: %w", v, err)
	}
	return id, false, nil
}

func (i *Idempotency) Complete(ctx context.Context, key string, orderID int64) error {
	return i.RDB.Set(ctx, idemKey(key), strconv.FormatInt(orderID, 10), TTLIdempotency).Err()
}

// Abandon frees key after a failed request so the client can retry.
func (i *Idempotency) Abandon(ctx context.Context, key string) error {
	return i.RDB.Del(ctx, idemKey(key)).Err()
}
