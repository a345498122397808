package orders

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrIllegalState      = errors.New("illegal state")
	ErrInventoryShortage = errors.New("inventory shortage")
	// ErrDuplicateCode is returned by Tx.InsertOrder when the order code is taken.
	ErrDuplicateCode = errors.New("order code already exists")
)

type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %d", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func notFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// ShortageError names the first product that could not be covered.
type ShortageError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("inventory shortage for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *ShortageError) Is(target error) bool { return target == ErrInventoryShortage }
