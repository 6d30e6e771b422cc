package resource

import "errors"

// ErrBudgetExhausted is returned when a consumption would exceed the token budget.
var ErrBudgetExhausted = errors.New("token budget exhausted")
