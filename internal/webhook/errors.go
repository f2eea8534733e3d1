package webhook

import "errors"

var (
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrEndpointNotFound = errors.New("webhook endpoint not found")
	// ErrLeaseLost means another worker reclaimed the record mid-attempt
	ErrLeaseLost       = errors.New("delivery claim was lost")
	ErrNotRedrivable   = errors.New("only failed deliveries can be re-driven")
	ErrInvalidEndpoint = errors.New("invalid webhook endpoint")
)
