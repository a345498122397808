package memstore

import (
	"context"
	"fmt"
	"github.com/ariefcatur/go-virtual-checkout/internal/orders"
	"sort"
	"sync"
	"time"
)

type state struct {
	users       map[int64]orders.User
	products    map[int64]orders.Product
	credentials map[int64]orders.Credential
	orders      map[int64]orders.Order
	items       map[int64]orders.OrderItem
	codes       map[string]int64
	seq         int64
}

func newState() *state {
	return &state{
		users:       map[int64]orders.User{},
		products:    map[int64]orders.Product{},
		credentials: map[int64]orders.Credential{},
		orders:      map[int64]orders.Order{},
		items:       map[int64]orders.OrderItem{},
		codes:       map[string]int64{},
	}
}

// clone copies every table. Pointer fields inside records are never mutated
// in place, so a shallow copy of each record is enough.
func (st *state) clone() *state {
	c := &state{
		users:       make(map[int64]orders.User, len(st.users)),
		products:    make(map[int64]orders.Product, len(st.products)),
		credentials: make(map[int64]orders.Credential, len(st.credentials)),
		orders:      make(map[int64]orders.Order, len(st.orders)),
		items:       make(map[int64]orders.OrderItem, len(st.items)),
		codes:       make(map[string]int64, len(st.codes)),
		seq:         st.seq,
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.products {
		c.products[k] = v
	}
	for k, v := range st.credentials {
		c.credentials[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for k, v := range st.items {
		c.items[k] = v
	}
	for k, v := range st.codes {
		c.codes[k] = v
	}
	return c
}

func (st *state) nextID() int64 {
	st.seq++
	return st.seq
}

// Store is an in-memory orders.Store. Transactions are serialized by one
// mutex and run against a copy of the data that replaces the committed
// state only when fn succeeds.
type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

// AddUser seeds a user and returns it with its assigned id.
func (s *Store) AddUser(u orders.User) orders.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.ID = s.st.nextID()
	s.st.users[u.ID] = u
	return u
}

// AddProduct seeds a product with an empty pool; Stock is reset to zero.
func (s *Store) AddProduct(p orders.Product) orders.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	p.ID = s.st.nextID()
	p.Stock = 0
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	s.st.products[p.ID] = p
	return p
}

// Product returns the committed state of a product.
func (s *Store) Product(id int64) (orders.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.products[id]
	return p, ok
}

// Credentials returns the committed credentials of a product ordered by id.
func (s *Store) Credentials(productID int64) []orders.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Credential
	for _, c := range s.st.credentials {
		if c.ProductID == productID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of orders and order items committed.
func (s *Store) Counts() (nOrders, nItems int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.orders), len(s.st.items)
}

type memTx struct {
	st *state
}

func (t *memTx) FindUser(_ context.Context, id int64) (orders.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return orders.User{}, &orders.NotFoundError{Entity: "user", ID: id}
	}
	return u, nil
}

func (t *memTx) LockProducts(_ context.Context, ids []int64) (map[int64]orders.Product, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := make(map[int64]orders.Product, len(sorted))
	for _, id := range sorted {
		p, ok := t.st.products[id]
		if !ok {
			return nil, &orders.NotFoundError{Entity: "product", ID: id}
		}
		out[id] = p
	}
	return out, nil
}

func (t *memTx) FindProducts(_ context.Context, ids []int64) (map[int64]orders.Product, error) {
	out := make(map[int64]orders.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.st.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *memTx) ListProducts(_ context.Context) ([]orders.Product, error) {
	out := make([]orders.Product, 0, len(t.st.products))
	for _, p := range t.st.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) AdjustStock(_ context.Context, productID int64, delta int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return &orders.NotFoundError{Entity: "product", ID: productID}
	}
	if p.Stock+delta < 0 {
		return fmt.Errorf("stock of product %d would drop below zero", productID)
	}
	p.Stock += delta
	t.st.products[productID] = p
	return nil
}

func (t *memTx) LockAvailableCredentials(_ context.Context, productID int64, limit int) ([]int64, error) {
	if limit <= 0 {
		return []int64{}, nil
	}
	var pool []orders.Credential
	for _, c := range t.st.credentials {
		if c.ProductID == productID && c.Status == orders.CredentialAvailable {
			pool = append(pool, c)
		}
	}
	sort.Slice(pool, func(i, j int) bool {
		if !pool[i].CreatedAt.Equal(pool[j].CreatedAt) {
			return pool[i].CreatedAt.Before(pool[j].CreatedAt)
		}
		return pool[i].ID < pool[j].ID
	})
	if len(pool) > limit {
		pool = pool[:limit]
	}
	ids := make([]int64, 0, len(pool))
	for _, c := range pool {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (t *memTx) ClaimCredentials(_ context.Context, itemID int64, ids []int64, soldAt time.Time) (int64, error) {
	var n int64
	for _, id := range ids {
		c, ok := t.st.credentials[id]
		if !ok || c.Status != orders.CredentialAvailable {
			continue
		}
		item, at := itemID, soldAt
		c.Status = orders.CredentialSold
		c.OrderItemID = &item
		c.SoldAt = &at
		t.st.credentials[id] = c
		n++
	}
	return n, nil
}

func (t *memTx) claimedBy(itemIDs []int64) []orders.Credential {
	set := make(map[int64]bool, len(itemIDs))
	for _, id := range itemIDs {
		set[id] = true
	}
	var out []orders.Credential
	for _, c := range t.st.credentials {
		if c.OrderItemID != nil && set[*c.OrderItemID] {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *memTx) ClaimedCredentials(_ context.Context, itemIDs []int64) ([]orders.Credential, error) {
	return t.claimedBy(itemIDs), nil
}

func (t *memTx) ReleaseCredentials(_ context.Context, itemIDs []int64) (int64, error) {
	var n int64
	for _, c := range t.claimedBy(itemIDs) {
		c.Status = orders.CredentialAvailable
		c.OrderItemID = nil
		c.SoldAt = nil
		t.st.credentials[c.ID] = c
		n++
	}
	return n, nil
}

func (t *memTx) InsertCredentials(_ context.Context, productID int64, secrets []string, at time.Time) ([]orders.Credential, error) {
	if _, ok := t.st.products[productID]; !ok {
		return nil, &orders.NotFoundError{Entity: "product", ID: productID}
	}
	out := make([]orders.Credential, 0, len(secrets))
	for _, sec := range secrets {
		c := orders.Credential{
			ID:        t.st.nextID(),
			ProductID: productID,
			Status:    orders.CredentialAvailable,
			Secret:    sec,
			CreatedAt: at,
		}
		t.st.credentials[c.ID] = c
		out = append(out, c)
	}
	return out, nil
}

func (t *memTx) InsertOrder(_ context.Context, o *orders.Order) error {
	if _, taken := t.st.codes[o.Code]; taken {
		return orders.ErrDuplicateCode
	}
	if _, ok := t.st.users[o.UserID]; !ok {
		return &orders.NotFoundError{Entity: "user", ID: o.UserID}
	}
	o.ID = t.st.nextID()
	t.st.orders[o.ID] = *o
	t.st.codes[o.Code] = o.ID
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id int64, _ bool) (orders.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return orders.Order{}, &orders.NotFoundError{Entity: "order", ID: id}
	}
	return o, nil
}

func (t *memTx) ListOrdersByUser(_ context.Context, userID int64) ([]orders.Order, error) {
	var out []orders.Order
	for _, o := range t.st.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (t *memTx) UpdateOrder(_ context.Context, o orders.Order) error {
	cur, ok := t.st.orders[o.ID]
	if !ok {
		return &orders.NotFoundError{Entity: "order", ID: o.ID}
	}
	o.Code = cur.Code
	t.st.orders[o.ID] = o
	return nil
}

func (t *memTx) DeleteOrder(ctx context.Context, id int64) error {
	o, ok := t.st.orders[id]
	if !ok {
		return &orders.NotFoundError{Entity: "order", ID: id}
	}
	if err := t.DeleteItems(ctx, id); err != nil {
		return err
	}
	delete(t.st.codes, o.Code)
	delete(t.st.orders, id)
	return nil
}

func (t *memTx) InsertItem(_ context.Context, it *orders.OrderItem) error {
	if _, ok := t.st.orders[it.OrderID]; !ok {
		return &orders.NotFoundError{Entity: "order", ID: it.OrderID}
	}
	it.ID = t.st.nextID()
	t.st.items[it.ID] = *it
	return nil
}

func (t *memTx) ListItems(_ context.Context, orderID int64) ([]orders.OrderItem, error) {
	var out []orders.OrderItem
	for _, it := range t.st.items {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteItems drops the items of an order. Credentials still pointing at
// them keep their status and lose the claim, like ON DELETE SET NULL.
func (t *memTx) DeleteItems(_ context.Context, orderID int64) error {
	for id, it := range t.st.items {
		if it.OrderID != orderID {
			continue
		}
		for cid, c := range t.st.credentials {
			if c.OrderItemID != nil && *c.OrderItemID == id {
				c.OrderItemID = nil
				t.st.credentials[cid] = c
			}
		}
		delete(t.st.items, id)
	}
	return nil
}

func (t *memTx) MarkDelivered(_ context.Context, orderID int64, at time.Time) error {
	for id, it := range t.st.items {
		if it.OrderID == orderID && it.DeliveredAt == nil {
			ts := at
			it.DeliveredAt = &ts
			t.st.items[id] = it
		}
	}
	return nil
}

var _ orders.Store = (*Store)(nil)
