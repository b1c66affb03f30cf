// Package store holds the append-only, time-ordered log of climate records per neighborhood.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kjstillabower/rain-risk-service/internal/models"
)

var (
	// ErrStorageUnavailable wraps every backend failure. A failed Append leaves no record.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidRecord is returned when a record is missing required fields.
	ErrInvalidRecord = errors.New("invalid climate record")
)

// Store is the append-only risk log. Records are never updated or deleted.
type Store interface {
	// Append persists rec atomically.
	Append(ctx context.Context, rec models.ClimateRecord) error
	// Latest returns the most recent record by observation time, ties broken by
	// insertion order. found is false when the neighborhood has no records.
	Latest(ctx context.Context, neighborhood string) (rec models.ClimateRecord, found bool, err error)
	// RecentWindow returns up to limit most recent records in chronological order.
	RecentWindow(ctx context.Context, neighborhood string, limit int) ([]models.ClimateRecord, error)
}

// Pinger is implemented by backends that can report connectivity for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Validate checks the fields every persisted record must carry.
func Validate(rec models.ClimateRecord) error {
	var missing []string
	if strings.TrimSpace(rec.Neighborhood) == "" {
		missing = append(missing, "neighborhood")
	}
	if rec.ObservedAt.IsZero() {
		missing = append(missing, "observed_at")
	}
	if !rec.Risk.Valid() {
		missing = append(missing, "risk")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing or invalid %s", ErrInvalidRecord, strings.Join(missing, ", "))
	}
	return nil
}
