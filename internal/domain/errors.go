package domain

import "errors"

// Domain errors
var (
	ErrPlayerNotFound = errors.New("player not found")
	ErrMapNotFound    = errors.New("map not found")
	ErrInvalidResult  = errors.New("invalid result submission")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalError  = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrPlayerNotFound) || errors.Is(err, ErrMapNotFound)
}
