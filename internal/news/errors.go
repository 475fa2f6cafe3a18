package news

import (
	"errors"
	"fmt"
)

// ErrMalformedItem is matched (errors.Is) by every MalformedItemError.
var ErrMalformedItem = errors.New("malformed item")

// MalformedItemError rejects a single item; the rest of the batch continues.
type MalformedItemError struct {
	ItemID string
	Reason string
}

func (e *MalformedItemError) Error() string {
	if e.ItemID == "" {
		return fmt.Sprintf("malformed item: %s", e.Reason)
	}
	return fmt.Sprintf("malformed item %q: %s", e.ItemID, e.Reason)
}

func (e *MalformedItemError) Is(target error) bool { return target == ErrMalformedItem }

// ErrStoreUnavailable is matched (errors.Is) by every StoreError.
var ErrStoreUnavailable = errors.New("store unavailable")

// StoreError is a transient, batch-level failure of the dedup store or the
// subscriber registry. The caller decides whether to retry the whole batch.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// WrapStore wraps err as a StoreError unless it already is one.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// DeliveryError is a failed send of one item to one recipient.
type DeliveryError struct {
	ItemID    string
	Recipient RecipientID
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.ItemID, e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
