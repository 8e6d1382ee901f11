package voyage

import (
	"fmt"
	"strings"
	"time"
)

// RouteSuggestion is a tactical route change offered for a bounded window,
// typically a detour or a speed advisory on a segment of the voyage.
type RouteSuggestion struct {
	Route     Route     `json:"route"`
	ValidFrom time.Time `json:"validFrom"`
	ValidTo   time.Time `json:"validTo"`
	Reason    string    `json:"reason,omitempty"`
}

// Validate checks the embedded route and the validity window.
func (s RouteSuggestion) Validate() error {
	if err := s.Route.Validate(); err != nil {
		return err
	}
	if s.ValidFrom.IsZero() || s.ValidTo.IsZero() {
		return fmt.Errorf("validity window is required")
	}
	if !s.ValidTo.After(s.ValidFrom) {
		return fmt.Errorf("validTo must be after validFrom")
	}
	return nil
}

// Normalize normalizes the embedded route and the window.
func (s RouteSuggestion) Normalize() RouteSuggestion {
	return RouteSuggestion{
		Route:     s.Route.Normalize(),
		ValidFrom: s.ValidFrom.UTC(),
		ValidTo:   s.ValidTo.UTC(),
		Reason:    strings.TrimSpace(s.Reason),
	}
}

// Clone returns a deep copy of the suggestion.
func (s RouteSuggestion) Clone() RouteSuggestion {
	out := s
	out.Route = s.Route.Clone()
	return out
}
