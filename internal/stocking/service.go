package stocking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	kafkax "github.com/ariefcatur/go-virtual-checkout/internal/kafka"
	"github.com/ariefcatur/go-virtual-checkout/internal/orders"
	"github.com/ariefcatur/go-virtual-checkout/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Stocker interface {
	StockCredentials(ctx context.Context, productID int64, secrets []string) ([]orders.Credential, error)
}

type Service struct {
	Orders      Stocker
	Redis       *redis.Client
	Log         *zap.Logger
	ServiceName string
}

// HandleCredentialsStocked is installed as the consumer handler for
// orders.TopicCredentialsStocked.
func (s *Service) HandleCredentialsStocked(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		s.Log.Warn("skipping undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventCredentialsStocked {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	first, err := redisx.MarkOnce(ctx, s.Redis, dkey)
	if err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	if !first {
		s.Log.Debug("duplicate stocking event", zap.String("event_id", env.EventID))
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.CredentialsStockedPayload](env.Payload)
	if err != nil {
		s.Log.Warn("skipping stocking event with bad payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	creds, err := s.Orders.StockCredentials(ctx, p.ProductID, p.Secrets)
	switch {
	case err == nil:
		s.Log.Info("stocking event applied",
			zap.String("event_id", env.EventID),
			zap.Int64("product_id", p.ProductID),
			zap.Int("count", len(creds)))
		return nil
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, orders.ErrInvalidRequest):
		// retrying cannot fix these
		s.Log.Warn("stocking event rejected", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	default:
		_ = s.Redis.Del(ctx, dkey).Err()
		return err
	}
}
