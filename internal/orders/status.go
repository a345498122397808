package orders

import "fmt"

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

// statusDraft is the table key for orders without a status.
const statusDraft Status = ""

var validNext = map[Status]map[Status]bool{
	statusDraft:      {StatusPending: true, StatusProcessing: true, StatusCompleted: true, StatusCancelled: true},
	StatusPending:    {StatusProcessing: true, StatusCompleted: true, StatusCancelled: true},
	StatusProcessing: {StatusCompleted: true, StatusDelivered: true, StatusCancelled: true},
	StatusCompleted:  {StatusDelivered: true},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

func CanTransition(from *Status, to Status) bool {
	f := statusDraft
	if from != nil {
		f = *from
	}
	return validNext[f][to]
}

func (s Status) Known() bool {
	_, ok := validNext[s]
	return ok && s != statusDraft
}

// checkTransition validates a status change. With enforce=false any non-empty
// status is accepted.
func checkTransition(from *Status, to Status, enforce bool) error {
	if to == statusDraft {
		return fmt.Errorf("%w: status must not be empty", ErrInvalidRequest)
	}
	if !enforce {
		return nil
	}
	if !to.Known() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, to)
	}
	if !CanTransition(from, to) {
		f := "DRAFT"
		if from != nil {
			f = string(*from)
		}
		return fmt.Errorf("%w: cannot move order from %s to %s", ErrIllegalState, f, to)
	}
	return nil
}
