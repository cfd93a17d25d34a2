package helper

import "fmt"

// NewError wraps an error with the operation context it occurred in.
func NewError(context string, err error) error {
	return fmt.Errorf("error in %v: %w", context, err)
}
