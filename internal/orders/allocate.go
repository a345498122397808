package orders

import (
	"context"
	"errors"
	"fmt"
	"github.com/shopspring/decimal"
	"math"
	"sort"
	"time"
)

// errClaimConflict means a locked candidate was no longer AVAILABLE at claim
// time. Row locks make this unreachable unless something bypasses the store.
var errClaimConflict = errors.New("credential claim conflict")

// maxQuantity bounds a line quantity and the summed quantity per product;
// both are stored in INT columns.
const maxQuantity = math.MaxInt32

type allocation struct {
	Items   []OrderItem
	Total   decimal.Decimal
	Claimed int
	// Required is the summed quantity per product.
	Required map[int64]int
}

func validateLines(lines []Line) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrInvalidRequest)
	}
	sums := make(map[int64]int64, len(lines))
	for i, l := range lines {
		if l.ProductID <= 0 {
			return fmt.Errorf("%w: line %d: missing product id", ErrInvalidRequest, i)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: line %d: quantity must be positive, got %d", ErrInvalidRequest, i, l.Quantity)
		}
		if l.Quantity > maxQuantity {
			return fmt.Errorf("%w: line %d: quantity %d exceeds %d", ErrInvalidRequest, i, l.Quantity, maxQuantity)
		}
		// both terms are at most maxQuantity, so the sum cannot wrap
		sums[l.ProductID] += int64(l.Quantity)
		if sums[l.ProductID] > maxQuantity {
			return fmt.Errorf("%w: total quantity for product %d exceeds %d", ErrInvalidRequest, l.ProductID, maxQuantity)
		}
	}
	return nil
}

// requiredByProduct sums quantities per product and returns the distinct
// product ids in ascending order, which is also the lock order.
func requiredByProduct(lines []Line) (map[int64]int, []int64) {
	required := make(map[int64]int, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		if _, ok := required[l.ProductID]; !ok {
			ids = append(ids, l.ProductID)
		}
		required[l.ProductID] += l.Quantity
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return required, ids
}

// allocate claims credentials for lines and creates one order item per line
// for orderID. Every product is checked before anything is written; a
// shortage on any product fails the whole call. Callers run it inside the
// same Tx as the order write so a failure leaves nothing behind.
func allocate(ctx context.Context, tx Tx, orderID int64, lines []Line, now time.Time) (allocation, error) {
	if err := validateLines(lines); err != nil {
		return allocation{}, err
	}
	required, ids := requiredByProduct(lines)

	products, err := tx.LockProducts(ctx, ids)
	if err != nil {
		return allocation{}, err
	}

	picked := make(map[int64][]int64, len(ids))
	for _, pid := range ids {
		cand, err := tx.LockAvailableCredentials(ctx, pid, required[pid])
		if err != nil {
			return allocation{}, fmt.Errorf("lock credentials for product %d: %w", pid, err)
		}
		if len(cand) < required[pid] {
			return allocation{}, &ShortageError{ProductID: pid, Requested: required[pid], Available: len(cand)}
		}
		picked[pid] = cand
	}

	out := allocation{Total: decimal.Zero, Required: required}
	for i, l := range lines {
		p := products[l.ProductID]
		it := OrderItem{
			OrderID:    orderID,
			ProductID:  l.ProductID,
			Position:   i,
			Quantity:   l.Quantity,
			UnitPrice:  p.Price,
			TotalPrice: p.Price.Mul(decimal.NewFromInt(int64(l.Quantity))),
		}
		if err := tx.InsertItem(ctx, &it); err != nil {
			return allocation{}, fmt.Errorf("insert item for product %d: %w", l.ProductID, err)
		}

		// oldest credentials go to the earliest line
		take := picked[l.ProductID][:l.Quantity]
		picked[l.ProductID] = picked[l.ProductID][l.Quantity:]

		n, err := tx.ClaimCredentials(ctx, it.ID, take, now)
		if err != nil {
			return allocation{}, fmt.Errorf("claim credentials for product %d: %w", l.ProductID, err)
		}
		if n != int64(len(take)) {
			return allocation{}, fmt.Errorf("product %d: claimed %d of %d: %w", l.ProductID, n, len(take), errClaimConflict)
		}

		out.Items = append(out.Items, it)
		out.Total = out.Total.Add(it.TotalPrice)
		out.Claimed += len(take)
	}

	for _, pid := range ids {
		if err := tx.AdjustStock(ctx, pid, -required[pid]); err != nil {
			return allocation{}, fmt.Errorf("decrement stock for product %d: %w", pid, err)
		}
	}
	return out, nil
}
