package worker

import (
	"errors"
	"fmt"
)

// ErrPermanent marks handler failures that retrying cannot fix. Such
// messages are dead-lettered and committed.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}
