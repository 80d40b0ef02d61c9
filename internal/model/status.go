package model

import "errors"

// MarketStatus is the lifecycle stage of a market. Transitions are
// monotonic; see CanTransition.
type MarketStatus string

const (
	StatusOpen     MarketStatus = "open"
	StatusClosed   MarketStatus = "closed"
	StatusResolved MarketStatus = "resolved"
	StatusArchived MarketStatus = "archived"
)

var (
	ErrInvalidTransition = errors.New("model: invalid market status transition")
	ErrAlreadyResolved   = errors.New("model: market already resolved")
	ErrMarketNotOpen     = errors.New("model: market is not open for entries")
	ErrUnknownOption     = errors.New("model: option does not belong to market")
	ErrDuplicateEntry    = errors.New("model: user already holds an entry in this market")
)

var transitions = map[MarketStatus][]MarketStatus{
	StatusOpen:     {StatusClosed, StatusResolved},
	StatusClosed:   {StatusResolved},
	StatusResolved: {StatusArchived},
}

// Valid reports whether s is one of the declared statuses.
func (s MarketStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusResolved, StatusArchived:
		return true
	}
	return false
}

// IsFinal reports whether the market has already been settled.
func (s MarketStatus) IsFinal() bool {
	return s == StatusResolved || s == StatusArchived
}

// CanTransition reports whether from → to is a permitted forward move.
func CanTransition(from, to MarketStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrAlreadyResolved for any attempt to resolve a
// settled market and ErrInvalidTransition for other illegal moves.
func CheckTransition(from, to MarketStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	if to == StatusResolved && from.IsFinal() {
		return ErrAlreadyResolved
	}
	return ErrInvalidTransition
}
