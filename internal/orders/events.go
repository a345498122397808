package orders

import (
	"encoding/json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"strconv"
	"time"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderItemsReplaced = "OrderItemsReplaced"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventOrderDeleted       = "OrderDeleted"
	EventCredentialsStocked = "CredentialsStocked"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Publisher delivers committed events. Delivery is best effort.
type Publisher interface {
	Publish(topic string, key []byte, ev Envelope)
}

type ItemQty struct {
	ProductID int64 `json:"product_id"`
	Qty       int   `json:"qty"`
}

type OrderCreatedPayload struct {
	OrderID     int64           `json:"order_id"`
	Code        string          `json:"code"`
	UserID      int64           `json:"user_id"`
	Items       []ItemQty       `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type OrderItemsReplacedPayload struct {
	OrderID     int64           `json:"order_id"`
	Released    int             `json:"released"`
	Items       []ItemQty       `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type OrderStatusChangedPayload struct {
	OrderID int64   `json:"order_id"`
	From    *Status `json:"from"`
	To      Status  `json:"to"`
}

type OrderDeletedPayload struct {
	OrderID  int64 `json:"order_id"`
	Released int   `json:"released"`
}

type CredentialsStockedPayload struct {
	ProductID int64    `json:"product_id"`
	Secrets   []string `json:"secrets"`
}

func NewEnvelope(eventType, producer string, correlation int64, payload any) Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: strconvI(correlation),
		Payload:       b,
	}
}

func itemQtys(items []OrderItem) []ItemQty {
	out := make([]ItemQty, 0, len(items))
	for _, it := range items {
		out = append(out, ItemQty{ProductID: it.ProductID, Qty: it.Quantity})
	}
	return out
}

func strconvI(id int64) string { return strconv.FormatInt(id, 10) }
