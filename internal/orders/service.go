package orders

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-virtual-checkout/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"sort"
	"time"
	"unicode/utf8"
)

const maxNoteLen = 1000

type Policy struct {
	// EnforceTransitions rejects status changes missing from the transition
	// table. When false any non-empty status is accepted.
	EnforceTransitions bool
	// ReleaseDraftOnDelete releases credentials of draft orders on delete.
	ReleaseDraftOnDelete bool
	// ReleaseOnDelete releases credentials of finalized orders on delete.
	ReleaseOnDelete bool
	// CodeAttempts bounds order code regeneration on conflict.
	CodeAttempts int
}

func DefaultPolicy() Policy {
	return Policy{EnforceTransitions: true, ReleaseDraftOnDelete: true, CodeAttempts: 5}
}

type Service struct {
	Store     Store
	Publisher Publisher         // optional
	Metrics   *metrics.Checkout // optional
	Log       *zap.Logger       // optional
	Policy    Policy
	Producer  string

	Now     func() time.Time
	NewCode func(time.Time) string
}

type CreateRequest struct {
	UserID int64
	Lines  []Line
	Note   string
	// Status creates the order finalized; nil creates a draft.
	Status *Status
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

func (s *Service) publish(topic string, orderID int64, eventType string, payload any) {
	if s.Publisher == nil {
		return
	}
	s.Publisher.Publish(topic, PartitionKey(orderID), NewEnvelope(eventType, s.Producer, orderID, payload))
}

// CreateOrder resolves the user, allocates credentials for every line and
// stores the order with its items as one unit.
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest) (OrderView, error) {
	if err := validateLines(req.Lines); err != nil {
		s.Metrics.Allocation("create", resultOf(err))
		return OrderView{}, err
	}
	if utf8.RuneCountInString(req.Note) > maxNoteLen {
		return OrderView{}, fmt.Errorf("%w: customer note exceeds %d characters", ErrInvalidRequest, maxNoteLen)
	}
	if req.Status != nil {
		if err := checkTransition(nil, *req.Status, s.Policy.EnforceTransitions); err != nil {
			return OrderView{}, err
		}
	}

	now := s.now()
	var (
		view  OrderView
		alloc allocation
	)
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		u, err := tx.FindUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		if !u.Active {
			return fmt.Errorf("user %d is inactive: %w", u.ID, ErrNotFound)
		}

		o := Order{
			UserID:       u.ID,
			TotalAmount:  decimal.Zero,
			CustomerNote: req.Note,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.insertWithCode(ctx, tx, &o); err != nil {
			return err
		}

		alloc, err = allocate(ctx, tx, o.ID, req.Lines, now)
		if err != nil {
			return err
		}
		o.TotalAmount = alloc.Total
		if req.Status != nil {
			st := *req.Status
			o.Status = &st
			if err := s.applySideEffects(ctx, tx, o, st, now, nil); err != nil {
				return err
			}
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order totals: %w", err)
		}

		view, err = buildView(ctx, tx, o, &u)
		return err
	})
	s.Metrics.Allocation("create", resultOf(err))
	if err != nil {
		s.logFailure("create order failed", err, zap.Int64("user_id", req.UserID))
		return OrderView{}, err
	}
	s.Metrics.Moved(alloc.Claimed, 0)

	s.log().Info("order created",
		zap.Int64("order_id", view.ID),
		zap.String("code", view.Code),
		zap.Int("claimed", alloc.Claimed),
		zap.String("total", view.TotalAmount.String()))
	s.publish(TopicOrderCreated, view.ID, EventOrderCreated, OrderCreatedPayload{
		OrderID:     view.ID,
		Code:        view.Code,
		UserID:      view.UserID,
		Items:       itemQtys(alloc.Items),
		TotalAmount: view.TotalAmount,
	})
	return view, nil
}

// insertWithCode retries code generation while the store reports a
// duplicate code.
func (s *Service) insertWithCode(ctx context.Context, tx Tx, o *Order) error {
	gen := s.NewCode
	if gen == nil {
		gen = NewCode
	}
	attempts := s.Policy.CodeAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		o.Code = gen(o.CreatedAt)
		err := tx.InsertOrder(ctx, o)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicateCode) {
			return fmt.Errorf("insert order: %w", err)
		}
		s.log().Warn("order code collision, regenerating", zap.String("code", o.Code), zap.Int("attempt", i+1))
	}
	return fmt.Errorf("insert order after %d attempts: %w", attempts, ErrDuplicateCode)
}

// ReplaceItems swaps the items of a draft order. Reversal of the old items
// and allocation of the new lines commit together or not at all.
func (s *Service) ReplaceItems(ctx context.Context, orderID int64, lines []Line) (OrderView, error) {
	if err := validateLines(lines); err != nil {
		s.Metrics.Allocation("replace", resultOf(err))
		return OrderView{}, err
	}

	now := s.now()
	var (
		view  OrderView
		alloc allocation
		rev   reversal
	)
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		if !o.IsDraft() {
			return fmt.Errorf("%w: order %d is %s, only draft orders can be edited", ErrIllegalState, o.ID, *o.Status)
		}

		old, err := tx.ListItems(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("list items: %w", err)
		}

		// lock old and new products together so the lock order stays ascending
		_, newIDs := requiredByProduct(lines)
		if _, err := tx.LockProducts(ctx, unionIDs(productIDs(old), newIDs)); err != nil {
			return err
		}

		rev, err = reverse(ctx, tx, old)
		if err != nil {
			return err
		}
		if err := tx.DeleteItems(ctx, o.ID); err != nil {
			return fmt.Errorf("delete items: %w", err)
		}

		alloc, err = allocate(ctx, tx, o.ID, lines, now)
		if err != nil {
			return err
		}
		o.TotalAmount = alloc.Total
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		view, err = buildView(ctx, tx, o, nil)
		return err
	})
	s.Metrics.Allocation("replace", resultOf(err))
	if err != nil {
		s.logFailure("replace items failed", err, zap.Int64("order_id", orderID))
		return OrderView{}, err
	}
	s.Metrics.Moved(alloc.Claimed, rev.Released)

	s.log().Info("order items replaced",
		zap.Int64("order_id", view.ID),
		zap.Int("released", rev.Released),
		zap.Int("claimed", alloc.Claimed))
	s.publish(TopicOrderItemsReplaced, view.ID, EventOrderItemsReplaced, OrderItemsReplacedPayload{
		OrderID:     view.ID,
		Released:    rev.Released,
		Items:       itemQtys(alloc.Items),
		TotalAmount: view.TotalAmount,
	})
	return view, nil
}

// SetStatus moves an order to status. CANCELLED releases the order's
// credentials and DELIVERED stamps its items, both in the same unit.
func (s *Service) SetStatus(ctx context.Context, orderID int64, status Status) (OrderView, error) {
	now := s.now()
	var (
		view OrderView
		from *Status
		rev  reversal
	)
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		if err := checkTransition(o.Status, status, s.Policy.EnforceTransitions); err != nil {
			return err
		}
		from = o.Status

		if err := s.applySideEffects(ctx, tx, o, status, now, &rev); err != nil {
			return err
		}

		st := status
		o.Status = &st
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		view, err = buildView(ctx, tx, o, nil)
		return err
	})
	if err != nil {
		s.logFailure("set status failed", err, zap.Int64("order_id", orderID), zap.String("status", string(status)))
		return OrderView{}, err
	}
	s.Metrics.Moved(0, rev.Released)

	s.log().Info("order status changed",
		zap.Int64("order_id", orderID),
		zap.String("status", string(status)),
		zap.Int("released", rev.Released))
	s.publish(TopicOrderStatusChanged, orderID, EventOrderStatusChanged, OrderStatusChangedPayload{
		OrderID: orderID,
		From:    from,
		To:      status,
	})
	return view, nil
}

func (s *Service) applySideEffects(ctx context.Context, tx Tx, o Order, to Status, now time.Time, rev *reversal) error {
	switch to {
	case StatusCancelled:
		r, err := s.releaseOrder(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if rev != nil {
			*rev = r
		}
	case StatusDelivered:
		if err := tx.MarkDelivered(ctx, o.ID, now); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
	}
	return nil
}

func (s *Service) releaseOrder(ctx context.Context, tx Tx, orderID int64) (reversal, error) {
	items, err := tx.ListItems(ctx, orderID)
	if err != nil {
		return reversal{}, fmt.Errorf("list items: %w", err)
	}
	if len(items) == 0 {
		return reversal{Restored: map[int64]int{}}, nil
	}
	if _, err := tx.LockProducts(ctx, uniqueSorted(productIDs(items))); err != nil {
		return reversal{}, err
	}
	return reverse(ctx, tx, items)
}

// DeleteOrder removes an order and its items. Credentials go back to the
// pool under Policy.ReleaseDraftOnDelete for drafts and Policy.ReleaseOnDelete
// for finalized orders; otherwise they stay SOLD and lose their item link.
func (s *Service) DeleteOrder(ctx context.Context, orderID int64) error {
	var rev reversal
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		release := s.Policy.ReleaseOnDelete
		if o.IsDraft() {
			release = s.Policy.ReleaseDraftOnDelete
		}
		if release {
			if rev, err = s.releaseOrder(ctx, tx, o.ID); err != nil {
				return err
			}
		}
		return tx.DeleteOrder(ctx, o.ID)
	})
	if err != nil {
		s.logFailure("delete order failed", err, zap.Int64("order_id", orderID))
		return err
	}
	s.Metrics.Moved(0, rev.Released)

	s.log().Info("order deleted", zap.Int64("order_id", orderID), zap.Int("released", rev.Released))
	s.publish(TopicOrderDeleted, orderID, EventOrderDeleted, OrderDeletedPayload{OrderID: orderID, Released: rev.Released})
	return nil
}

func (s *Service) GetOrder(ctx context.Context, orderID int64) (OrderView, error) {
	var view OrderView
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.GetOrder(ctx, orderID, false)
		if err != nil {
			return err
		}
		view, err = buildView(ctx, tx, o, nil)
		return err
	})
	return view, err
}

func (s *Service) ListUserOrders(ctx context.Context, userID int64) ([]OrderView, error) {
	var views []OrderView
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		u, err := tx.FindUser(ctx, userID)
		if err != nil {
			return err
		}
		list, err := tx.ListOrdersByUser(ctx, u.ID)
		if err != nil {
			return fmt.Errorf("list orders: %w", err)
		}
		views = make([]OrderView, 0, len(list))
		for _, o := range list {
			v, err := buildView(ctx, tx, o, &u)
			if err != nil {
				return err
			}
			views = append(views, v)
		}
		return nil
	})
	return views, err
}

func (s *Service) ListProducts(ctx context.Context) ([]Product, error) {
	var out []Product
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListProducts(ctx)
		return err
	})
	return out, err
}

// StockCredentials adds AVAILABLE credentials to a product's pool and raises
// its stock by the same count.
func (s *Service) StockCredentials(ctx context.Context, productID int64, secrets []string) ([]Credential, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("%w: no credentials to stock", ErrInvalidRequest)
	}
	for i, sec := range secrets {
		if sec == "" {
			return nil, fmt.Errorf("%w: credential %d has an empty secret", ErrInvalidRequest, i)
		}
	}

	now := s.now()
	var out []Credential
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockProducts(ctx, []int64{productID}); err != nil {
			return err
		}
		var err error
		out, err = tx.InsertCredentials(ctx, productID, secrets, now)
		if err != nil {
			return fmt.Errorf("insert credentials: %w", err)
		}
		return tx.AdjustStock(ctx, productID, len(out))
	})
	if err != nil {
		s.logFailure("stock credentials failed", err, zap.Int64("product_id", productID))
		return nil, err
	}
	s.Metrics.AddStocked(len(out))
	s.log().Info("credentials stocked", zap.Int64("product_id", productID), zap.Int("count", len(out)))
	return out, nil
}

func (s *Service) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	var short *ShortageError
	switch {
	case errors.As(err, &short):
		s.log().Warn(msg, append(fields,
			zap.Int64("product_id", short.ProductID),
			zap.Int("requested", short.Requested),
			zap.Int("available", short.Available))...)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrIllegalState):
		s.log().Info(msg, fields...)
	default:
		s.log().Error(msg, fields...)
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInventoryShortage):
		return "shortage"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrIllegalState):
		return "illegal_state"
	default:
		return "error"
	}
}

func buildView(ctx context.Context, tx Tx, o Order, u *User) (OrderView, error) {
	if u == nil {
		found, err := tx.FindUser(ctx, o.UserID)
		if err != nil {
			return OrderView{}, fmt.Errorf("load order user: %w", err)
		}
		u = &found
	}
	items, err := tx.ListItems(ctx, o.ID)
	if err != nil {
		return OrderView{}, fmt.Errorf("list items: %w", err)
	}
	products, err := tx.FindProducts(ctx, uniqueSorted(productIDs(items)))
	if err != nil {
		return OrderView{}, fmt.Errorf("load products: %w", err)
	}
	creds, err := tx.ClaimedCredentials(ctx, itemIDs(items))
	if err != nil {
		return OrderView{}, fmt.Errorf("load credentials: %w", err)
	}
	byItem := make(map[int64][]CredentialView, len(items))
	for _, c := range creds {
		if c.OrderItemID == nil {
			continue
		}
		byItem[*c.OrderItemID] = append(byItem[*c.OrderItemID], CredentialView{
			ID:        c.ID,
			Secret:    c.Secret,
			Status:    c.Status,
			SoldAt:    c.SoldAt,
			CreatedAt: c.CreatedAt,
		})
	}

	v := OrderView{
		ID:           o.ID,
		Code:         o.Code,
		UserID:       o.UserID,
		Username:     u.Username,
		TotalAmount:  o.TotalAmount,
		Status:       o.Status,
		CustomerNote: o.CustomerNote,
		Items:        make([]OrderItemView, 0, len(items)),
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
	for _, it := range items {
		cv := byItem[it.ID]
		if cv == nil {
			cv = []CredentialView{}
		}
		v.Items = append(v.Items, OrderItemView{
			ID:          it.ID,
			ProductID:   it.ProductID,
			ProductName: products[it.ProductID].Name,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			TotalPrice:  it.TotalPrice,
			Credentials: cv,
			DeliveredAt: it.DeliveredAt,
		})
	}
	return v, nil
}

func uniqueSorted(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func unionIDs(a, b []int64) []int64 {
	return uniqueSorted(append(append([]int64{}, a...), b...))
}
