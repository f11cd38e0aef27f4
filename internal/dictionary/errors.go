package dictionary

import (
	"errors"
	"fmt"
)

var (
	ErrWordNotFound         = errors.New("word not registered")
	ErrEmptySurface         = errors.New("surface must not be empty")
	ErrInvalidPronunciation = errors.New("pronunciation must be katakana")
	ErrInvalidWordType      = errors.New("unknown word type")
	ErrInvalidAccent        = errors.New("accent type must not be negative")
)

// BackendError reports a dictionary call the synthesis backend rejected or
// never answered.
type BackendError struct {
	Op      string
	Surface string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Surface == "" {
		return fmt.Sprintf("dictionary %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("dictionary %s %q failed: %v", e.Op, e.Surface, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
