package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kjstillabower/rain-risk-service/internal/models"
)

// ErrUnknownNeighborhood is returned for ids absent from the registry.
var ErrUnknownNeighborhood = errors.New("unknown neighborhood")

// Registry is an immutable neighborhood lookup table. Safe for concurrent reads.
type Registry struct {
	ordered []models.Neighborhood
	byKey   map[string]models.Neighborhood
}

// Default returns the neighborhoods tracked when no override is configured.
func Default() []models.Neighborhood {
	return []models.Neighborhood{
		{ID: "Acari", Coordinates: models.Coordinates{Latitude: -22.8236, Longitude: -43.3411}},
		{ID: "Campo Grande", Coordinates: models.Coordinates{Latitude: -22.9035, Longitude: -43.5594}},
		{ID: "Bonsucesso", Coordinates: models.Coordinates{Latitude: -22.8670, Longitude: -43.2536}},
		{ID: "Botafogo", Coordinates: models.Coordinates{Latitude: -22.9519, Longitude: -43.1844}},
		{ID: "Guadalupe", Coordinates: models.Coordinates{Latitude: -22.8417, Longitude: -43.3733}},
	}
}

// New builds a registry. IDs must be non-empty and unique (case-insensitive).
func New(neighborhoods []models.Neighborhood) (*Registry, error) {
	r := &Registry{
		ordered: make([]models.Neighborhood, 0, len(neighborhoods)),
		byKey:   make(map[string]models.Neighborhood, len(neighborhoods)),
	}
	for _, n := range neighborhoods {
		n.ID = strings.TrimSpace(n.ID)
		if n.ID == "" {
			return nil, fmt.Errorf("registry: neighborhood id is required")
		}
		k := key(n.ID)
		if _, dup := r.byKey[k]; dup {
			return nil, fmt.Errorf("registry: duplicate neighborhood %q", n.ID)
		}
		r.byKey[k] = n
		r.ordered = append(r.ordered, n)
	}
	return r, nil
}

// Lookup resolves an id case-insensitively. The returned neighborhood carries the canonical id.
func (r *Registry) Lookup(id string) (models.Neighborhood, error) {
	n, ok := r.byKey[key(id)]
	if !ok {
		return models.Neighborhood{}, fmt.Errorf("%w: %q", ErrUnknownNeighborhood, id)
	}
	return n, nil
}

// All returns the neighborhoods in registration order. The slice is a copy.
func (r *Registry) All() []models.Neighborhood {
	out := make([]models.Neighborhood, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Len returns the number of registered neighborhoods.
func (r *Registry) Len() int {
	return len(r.ordered)
}

func key(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
