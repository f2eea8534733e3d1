package markup

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPrice is returned for a negative base price
	ErrInvalidPrice = errors.New("invalid price")
	// ErrInvalidMarkupResult signals a misconfigured rule driving the price below zero
	ErrInvalidMarkupResult = errors.New("invalid markup result")
	ErrInvalidRule         = errors.New("invalid markup rule")
)

func invalidRule(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, reason)
}
