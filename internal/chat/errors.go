package chat

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrStorageUnavailable wraps engine-level read/write failures. Callers
// surface it once and do not retry automatically.
var ErrStorageUnavailable = errors.New("chat storage unavailable")

// storageErr tags engine failures while letting not-found pass through
// untouched, since absence is a normal outcome for gets.
func storageErr(op string, err error) error {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
