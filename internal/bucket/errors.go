package bucket

import (
	"errors"
	"fmt"
)

// ErrInvalidParameter is returned for malformed bucketizer configuration.
var ErrInvalidParameter = errors.New("invalid bucket parameter")

// ParamError names the offending parameter.
type ParamError struct {
	Field  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidParameter, e.Field, e.Reason)
}

// Is reports ParamError as ErrInvalidParameter.
func (e *ParamError) Is(target error) bool {
	return target == ErrInvalidParameter
}

func paramErr(field, format string, args ...any) error {
	return &ParamError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
