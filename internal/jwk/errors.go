package jwk

import (
	"errors"
	"fmt"
)

var (
	ErrNetwork            = errors.New("jwks network error")
	ErrParse              = errors.New("jwks parse error")
	ErrEmptyKeySet        = errors.New("jwks contains no usable keys")
	ErrUnsupportedKeyType = errors.New("unsupported key type")
)

// Kind classifies a failed fetch.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindParse
	KindEmptyKeySet
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindParse:
		return "parse"
	case KindEmptyKeySet:
		return "empty_key_set"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindParse:
		return ErrParse
	case KindEmptyKeySet:
		return ErrEmptyKeySet
	default:
		return nil
	}
}

// FetchError describes a failed retrieval. It matches the sentinel of its
// Kind with errors.Is and also unwraps to the underlying cause.
type FetchError struct {
	Kind     Kind
	Endpoint string
	Err      error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch jwks %s: %v", e.Endpoint, e.Kind.sentinel())
	}
	return fmt.Sprintf("fetch jwks %s: %v: %v", e.Endpoint, e.Kind.sentinel(), e.Err)
}

func (e *FetchError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
