package core

import (
	"errors"
	"fmt"

	"LendLedger/internal/oracle"
)

// Kind classifies operation failures. Every user-visible failure carries a
// kind plus the specific values compared so a client can decide whether to
// retry with fresh inputs.
type Kind int32

const (
	KindUnknown Kind = iota
	KindInvalidAmount
	KindInvalidParameter
	KindInsufficientCollateral
	KindInsufficientBalance
	KindInsufficientLiquidity
	KindAccountHealthy
	KindAlreadyLiquidated
	KindOracleUnavailable
	KindStalePrice
	KindPriceDivergence
	KindUnauthorized
	KindProtocolPaused
	KindDuplicateOperation
)

func (k Kind) String() string {
	switch k {
	case KindInvalidAmount:
		return "InvalidAmount"
	case KindInvalidParameter:
		return "InvalidParameter"
	case KindInsufficientCollateral:
		return "InsufficientCollateral"
	case KindInsufficientBalance:
		return "InsufficientBalance"
	case KindInsufficientLiquidity:
		return "InsufficientLiquidity"
	case KindAccountHealthy:
		return "AccountHealthy"
	case KindAlreadyLiquidated:
		return "AlreadyLiquidated"
	case KindOracleUnavailable:
		return "OracleUnavailable"
	case KindStalePrice:
		return "StalePrice"
	case KindPriceDivergence:
		return "PriceDivergence"
	case KindUnauthorized:
		return "Unauthorized"
	case KindProtocolPaused:
		return "ProtocolPaused"
	case KindDuplicateOperation:
		return "DuplicateOperation"
	default:
		return "Unknown"
	}
}

// Error is the typed operation failure. Have/Need carry both sides of the
// failed comparison when one exists (e.g. max borrow vs. requested debt).
type Error struct {
	Kind   Kind
	Op     string
	Have   int64
	Need   int64
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Have != 0 || e.Need != 0 {
		msg += fmt.Sprintf(" (have=%d, need=%d)", e.Have, e.Need)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// opErr builds a plain typed failure.
func opErr(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// compareErr builds a typed failure carrying both comparison sides.
func compareErr(kind Kind, op string, have, need int64, detail string) *Error {
	return &Error{Kind: kind, Op: op, Have: have, Need: need, Detail: detail}
}

// KindOf extracts the failure kind, KindUnknown for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// oracleErr maps the oracle taxonomy onto operation failures unchanged:
// staleness and divergence are hard stops for every dependent operation,
// never silently defaulted.
func oracleErr(op string, err error) *Error {
	var stale *oracle.StaleError
	if errors.As(err, &stale) {
		return &Error{Kind: KindStalePrice, Op: op, Detail: stale.Error(), Cause: err}
	}

	var div *oracle.DivergenceError
	if errors.As(err, &div) {
		return &Error{
			Kind:   KindPriceDivergence,
			Op:     op,
			Have:   div.SpreadPPM,
			Need:   div.TolerancePPM,
			Detail: div.Error(),
			Cause:  err,
		}
	}

	return &Error{Kind: KindOracleUnavailable, Op: op, Detail: err.Error(), Cause: err}
}
