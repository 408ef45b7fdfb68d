package storage

import (
	"context"
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// Kind buckets remote failures so callers can react without inspecting
// platform-specific responses.
type Kind int

const (
	KindNetwork Kind = iota
	KindAuth
	KindNotFound
	KindValidation
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not-found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	}
	return "unknown"
}

// Error wraps a remote failure with its classification and the operation
// that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// classify maps a raw SDK error onto the gateway taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindNetwork
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = KindAuth
		case http.StatusNotFound:
			kind = KindNotFound
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
			kind = KindValidation
		case http.StatusConflict, http.StatusPreconditionFailed:
			kind = KindConflict
		}
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindNetwork
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsNotFound reports whether err is a classified not-found failure.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// IsAuth reports whether err is a classified authorization failure.
func IsAuth(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindAuth
}
