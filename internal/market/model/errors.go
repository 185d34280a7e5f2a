package model

import "errors"

// Validation and state errors returned by the engine. Operations that fail
// with any of these mutate nothing.
var (
	ErrUnknownInstrument      = errors.New("unknown instrument")
	ErrUnknownAccount         = errors.New("unknown account")
	ErrInvalidDirection       = errors.New("invalid trade direction")
	ErrNonPositiveShares      = errors.New("share count must be positive")
	ErrInsufficientFunds      = errors.New("insufficient cash")
	ErrInsufficientShares     = errors.New("selling more shares than held")
	ErrInsufficientShort      = errors.New("covering more shares than shorted")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrMarginNotEligible      = errors.New("account is not margin eligible")
	ErrMarginCapacityExceeded = errors.New("margin capacity exceeded")
	ErrEquityCapExceeded      = errors.New("short exposure exceeds portfolio equity")
	ErrPositionNotFound       = errors.New("position not found")
	ErrOrderNotFound          = errors.New("standing order not found")
	ErrOrderTerminal          = errors.New("standing order already in a terminal state")
	ErrLimitPriceOutOfRange   = errors.New("limit price outside sane range of current price")
	ErrCorruptState           = errors.New("record contains numerically invalid state")
)
