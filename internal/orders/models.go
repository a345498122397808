package orders

import (
	"github.com/shopspring/decimal"
	"time"
)

type CredentialStatus string

const (
	CredentialAvailable CredentialStatus = "AVAILABLE"
	CredentialSold      CredentialStatus = "SOLD"
	CredentialContact   CredentialStatus = "CONTACT"
)

type User struct {
	ID       int64
	Username string
	Email    string
	Active   bool
}

// Product.Stock mirrors the size of the AVAILABLE credential pool.
type Product struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	CategoryID int64           `json:"category_id"`
	Stock      int             `json:"stock"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created"`
	UpdatedAt  time.Time       `json:"updated"`
}

// Credential is one sellable unit of a product. It is linked to the claiming
// order item by id only.
type Credential struct {
	ID          int64
	ProductID   int64
	Status      CredentialStatus
	Secret      string
	OrderItemID *int64
	SoldAt      *time.Time
	CreatedAt   time.Time
}

type Order struct {
	ID           int64
	Code         string
	UserID       int64
	Status       *Status // nil = draft
	TotalAmount  decimal.Decimal
	CustomerNote string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (o Order) IsDraft() bool { return o.Status == nil }

type OrderItem struct {
	ID          int64
	OrderID     int64
	ProductID   int64
	Position    int // line order within the order
	Quantity    int
	UnitPrice   decimal.Decimal // snapshot at allocation time
	TotalPrice  decimal.Decimal
	DeliveredAt *time.Time
}

// Line is one requested (product, quantity) pair.
type Line struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}
