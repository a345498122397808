package orders

import (
	"context"
	"time"
)

// Store runs units of work. Every checkout, draft edit, status change and
// delete executes inside exactly one WithTx call; a non-nil error from fn
// rolls the whole unit back.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the per-entity view of the store inside one transaction. Credential
// status and product stock are only written through ClaimCredentials,
// ReleaseCredentials, InsertCredentials and AdjustStock.
type Tx interface {
	FindUser(ctx context.Context, id int64) (User, error)

	// LockProducts locks the given products in ascending id order and
	// returns them keyed by id. A missing id yields a *NotFoundError.
	LockProducts(ctx context.Context, ids []int64) (map[int64]Product, error)
	// FindProducts reads products without locking; missing ids are omitted.
	FindProducts(ctx context.Context, ids []int64) (map[int64]Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	AdjustStock(ctx context.Context, productID int64, delta int) error

	// LockAvailableCredentials locks up to limit AVAILABLE credentials of a
	// product, oldest first (created_at, id), and returns their ids.
	LockAvailableCredentials(ctx context.Context, productID int64, limit int) ([]int64, error)
	// ClaimCredentials marks ids SOLD for itemID where they are still
	// AVAILABLE and reports how many rows changed.
	ClaimCredentials(ctx context.Context, itemID int64, ids []int64, soldAt time.Time) (int64, error)
	ClaimedCredentials(ctx context.Context, itemIDs []int64) ([]Credential, error)
	// ReleaseCredentials returns every credential claimed by itemIDs to
	// AVAILABLE and reports how many rows changed.
	ReleaseCredentials(ctx context.Context, itemIDs []int64) (int64, error)
	InsertCredentials(ctx context.Context, productID int64, secrets []string, at time.Time) ([]Credential, error)

	// InsertOrder assigns o.ID. It returns ErrDuplicateCode when o.Code is
	// taken and leaves the transaction usable.
	InsertOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id int64, forUpdate bool) (Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]Order, error)
	UpdateOrder(ctx context.Context, o Order) error
	DeleteOrder(ctx context.Context, id int64) error

	InsertItem(ctx context.Context, it *OrderItem) error
	// ListItems returns the items of an order by position.
	ListItems(ctx context.Context, orderID int64) ([]OrderItem, error)
	DeleteItems(ctx context.Context, orderID int64) error
	MarkDelivered(ctx context.Context, orderID int64, at time.Time) error
}
