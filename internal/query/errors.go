package query

import "errors"

// ErrInvalidOperator is returned for unknown filter operators.
var ErrInvalidOperator = errors.New("invalid filter operator")
