package orders

import (
	"context"
	"fmt"
)

type reversal struct {
	Released int
	// Restored is the stock given back per product.
	Restored map[int64]int
}

func itemIDs(items []OrderItem) []int64 {
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

func productIDs(items []OrderItem) []int64 {
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	return ids
}

// reverse returns every credential claimed by items to AVAILABLE and raises
// each product's stock by the number of credentials released for it. The
// products must already be locked by the caller's Tx.
func reverse(ctx context.Context, tx Tx, items []OrderItem) (reversal, error) {
	out := reversal{Restored: map[int64]int{}}
	if len(items) == 0 {
		return out, nil
	}
	ids := itemIDs(items)

	claimed, err := tx.ClaimedCredentials(ctx, ids)
	if err != nil {
		return out, fmt.Errorf("load claimed credentials: %w", err)
	}
	if len(claimed) == 0 {
		return out, nil
	}
	for _, c := range claimed {
		out.Restored[c.ProductID]++
	}

	n, err := tx.ReleaseCredentials(ctx, ids)
	if err != nil {
		return out, fmt.Errorf("release credentials: %w", err)
	}
	if n != int64(len(claimed)) {
		return out, fmt.Errorf("released %d of %d claimed credentials: %w", n, len(claimed), errClaimConflict)
	}
	out.Released = len(claimed)

	for pid, qty := range out.Restored {
		if err := tx.AdjustStock(ctx, pid, qty); err != nil {
			return out, fmt.Errorf("restore stock for product %d: %w", pid, err)
		}
	}
	return out, nil
}
