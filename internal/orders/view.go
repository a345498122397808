package orders

import (
	"github.com/shopspring/decimal"
	"time"
)

type CredentialView struct {
	ID        int64            `json:"id"`
	Secret    string           `json:"secret"`
	Status    CredentialStatus `json:"status"`
	SoldAt    *time.Time       `json:"sold,omitempty"`
	CreatedAt time.Time        `json:"created"`
}

type OrderItemView struct {
	ID          int64            `json:"id"`
	ProductID   int64            `json:"product_id"`
	ProductName string           `json:"product_name"`
	Quantity    int              `json:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	TotalPrice  decimal.Decimal  `json:"total_price"`
	Credentials []CredentialView `json:"credentials"`
	DeliveredAt *time.Time       `json:"delivered,omitempty"`
}

type OrderView struct {
	ID           int64           `json:"id"`
	Code         string          `json:"code"`
	UserID       int64           `json:"user_id"`
	Username     string          `json:"username"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Status       *Status         `json:"status"`
	CustomerNote string          `json:"customer_note,omitempty"`
	Items        []OrderItemView `json:"items"`
	CreatedAt    time.Time       `json:"created"`
	UpdatedAt    time.Time       `json:"updated"`
}

func (v OrderView) IsDraft() bool { return v.Status == nil }
