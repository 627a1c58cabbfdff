package bmc

import (
	"context"

	"codeberg.org/mutker/bmcctl/internal/errors"
)

const (
	ErrInvalidTarget   = errors.ErrInvalidTarget
	ErrNoSession       = errors.ErrNoSession
	ErrInvalidResponse = errors.ErrInvalidResponse
	ErrDecoding        = errors.ErrDecoding
	ErrNetwork         = errors.ErrNetwork
	ErrHTTPStatus      = errors.ErrHTTPStatus
	ErrUnauthorized    = errors.ErrUnauthorized
	ErrInvalidArgument = errors.ErrInvalidArgument
	ErrStore           = errors.ErrStoreAccess
)

var errFactory = errors.New()

// IsUnauthorized reports whether the BMC rejected the session
func IsUnauthorized(err error) bool {
	return errors.HasCode(err, ErrUnauthorized)
}

// IsCanceled reports whether err was caused by the caller cancelling the request
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// StatusCode returns the HTTP status carried by an ErrHTTPStatus error.
func StatusCode(err error) (int, bool) {
	for err != nil {
		if coded, ok := err.(errors.Error); ok && coded.Code() == ErrHTTPStatus {
			code, ok := coded.GetData().(int)
			return code, ok
		}
		err = errors.Unwrap(err)
	}

	return 0, false
}
