package exec

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type SpotVenue interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error)
	FreeBalance(ctx context.Context, asset string) (float64, error)
}

type DerivativeVenue interface {
	SpotVenue
	Position(ctx context.Context, symbol string) (Position, error)
	PositionMode(ctx context.Context) (HedgeMode, error)
}

// VenueError is a rejection reported by a venue API.
type VenueError struct {
	Venue      string
	StatusCode int
	Code       string
	Message    string
}

func (e *VenueError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: http %d: code %s: %s", e.Venue, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Venue, e.StatusCode, e.Message)
}

const positionSideMismatchCode = "-4061"

// IsTransient reports whether err is worth retrying: timeouts, 5xx and rate limits.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var venueErr *VenueError
	if errors.As(err, &venueErr) {
		return venueErr.StatusCode >= 500 || venueErr.StatusCode == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// IsPositionSideMismatch matches the venue rejection for an order whose
// position side disagrees with the account's position mode.
func IsPositionSideMismatch(err error) bool {
	var venueErr *VenueError
	if !errors.As(err, &venueErr) {
		return false
	}
	if venueErr.Code == positionSideMismatchCode {
		return true
	}
	return strings.Contains(strings.ToLower(venueErr.Message), "position side does not match")
}
