package stocking

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/alicebob/miniredis/v2"
	kafkax "github.com/ariefcatur/go-virtual-checkout/internal/kafka"
	"github.com/ariefcatur/go-virtual-checkout/internal/orders"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"testing"
)

type fakeStocker struct {
	calls []orders.CredentialsStockedPayload
	err   error
}

func (f *fakeStocker) StockCredentials(_ context.Context, productID int64, secrets []string) ([]orders.Credential, error) {
	f.calls = append(f.calls, orders.CredentialsStockedPayload{ProductID: productID, Secrets: secrets})
	if f.err != nil {
		return nil, f.err
	}
	out := make([]orders.Credential, len(secrets))
	for i, s := range secrets {
		out[i] = orders.Credential{ID: int64(i + 1), ProductID: productID, Secret: s}
	}
	return out, nil
}

func setup(t *testing.T) (*Service, *fakeStocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	fs := &fakeStocker{}
	return &Service{Orders: fs, Redis: rdb, Log: zap.NewNop(), ServiceName: "stocker"}, fs, mr
}

func message(ev orders.Envelope) kafkago.Message {
	return kafkago.Message{Topic: orders.TopicCredentialsStocked, Value: kafkax.MustMarshal(ev)}
}

func stockedEvent(productID int64, secrets ...string) orders.Envelope {
	return orders.NewEnvelope(orders.EventCredentialsStocked, "admin", productID,
		orders.CredentialsStockedPayload{ProductID: productID, Secrets: secrets})
}

func TestHandleCredentialsStocked_AppliesOnce(t *testing.T) {
	svc, fs, mr := setup(t)
	ev := stockedEvent(3, "a", "b")

	require.NoError(t, svc.HandleCredentialsStocked(context.Background(), message(ev)))
	require.NoError(t, svc.HandleCredentialsStocked(context.Background(), message(ev)))

	require.Len(t, fs.calls, 1)
	assert.Equal(t, int64(3), fs.calls[0].ProductID)
	assert.Equal(t, []string{"a", "b"}, fs.calls[0].Secrets)
	assert.True(t, mr.Exists("dedup:stocker:"+ev.EventID))
}

func TestHandleCredentialsStocked_SkipsForeignAndBrokenMessages(t *testing.T) {
	svc, fs, _ := setup(t)

	other := orders.NewEnvelope(orders.EventOrderCreated, "api", 1, orders.OrderCreatedPayload{OrderID: 1})
	require.NoError(t, svc.HandleCredentialsStocked(context.Background(), message(other)))
	require.NoError(t, svc.HandleCredentialsStocked(context.Background(), kafkago.Message{Value: []byte("{nope")}))

	bad := stockedEvent(1)
	bad.Payload = json.RawMessage(`"not an object"`)
	require.NoError(t, svc.HandleCredentialsStocked(context.Background(), message(bad)))

	assert.Empty(t, fs.calls)
}

func TestHandleCredentialsStocked_DomainRejectionIsCommitted(t *testing.T) {
	svc, fs, mr := setup(t)
	fs.err = &orders.NotFoundError{Entity: "product", ID: 8}
	ev := stockedEvent(8, "x")

	require.NoError(t, svc.HandleCredentialsStocked(context.Background(), message(ev)))
	assert.True(t, mr.Exists("dedup:stocker:"+ev.EventID))
}

func TestHandleCredentialsStocked_TransientErrorAllowsRetry(t *testing.T) {
	svc, fs, mr := setup(t)
	fs.err = errors.New("db down")
	ev := stockedEvent(2, "x")

	err := svc.HandleCredentialsStocked(context.Background(), message(ev))
	require.Error(t, err)
	assert.False(t, mr.Exists("dedup:stocker:"+ev.EventID))

	fs.err = nil
	require.NoError(t, svc.HandleCredentialsStocked(context.Background(), message(ev)))
	assert.Len(t, fs.calls, 2)
}
