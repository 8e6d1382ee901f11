// Package voyage defines the route payloads exchanged during a negotiation.
package voyage

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	maxWaypoints  = 5000
	coordDecimals = 6
)

// Waypoint is a single point along a route.
type Waypoint struct {
	Name      string   `json:"name,omitempty"`
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	SpeedKn   *float64 `json:"speedKn,omitempty"`
	TurnRadNm *float64 `json:"turnRadiusNm,omitempty"`
}

// Route is a full voyage route as proposed by either side.
type Route struct {
	RouteID     string     `json:"routeId,omitempty"`
	Name        string     `json:"name"`
	VesselIMO   string     `json:"vesselImo,omitempty"`
	VesselName  string     `json:"vesselName,omitempty"`
	DepartureAt *time.Time `json:"departureAt,omitempty"`
	ArrivalAt   *time.Time `json:"arrivalAt,omitempty"`
	Waypoints   []Waypoint `json:"waypoints"`
}

// Validate checks the route geometry and schedule.
func (r Route) Validate() error {
	if len(r.Waypoints) < 2 {
		return fmt.Errorf("route needs at least 2 waypoints, got %d", len(r.Waypoints))
	}
	if len(r.Waypoints) > maxWaypoints {
		return fmt.Errorf("route exceeds %d waypoints", maxWaypoints)
	}
	for i, wp := range r.Waypoints {
		if err := wp.validate(); err != nil {
			return fmt.Errorf("waypoint %d: %w", i, err)
		}
	}
	if r.DepartureAt != nil && r.ArrivalAt != nil && r.ArrivalAt.Before(*r.DepartureAt) {
		return fmt.Errorf("arrival %s precedes departure %s",
			r.ArrivalAt.Format(time.RFC3339), r.DepartureAt.Format(time.RFC3339))
	}
	return nil
}

// Normalize returns a copy stripped of vessel identity, with trimmed names,
// coordinates rounded to a fixed precision and times in UTC. Used for the
// opening proposal of a round so the counterpart sees a plain route.
func (r Route) Normalize() Route {
	out := Route{
		Name:      strings.TrimSpace(r.Name),
		Waypoints: make([]Waypoint, len(r.Waypoints)),
	}
	if r.DepartureAt != nil {
		t := r.DepartureAt.UTC()
		out.DepartureAt = &t
	}
	if r.ArrivalAt != nil {
		t := r.ArrivalAt.UTC()
		out.ArrivalAt = &t
	}
	for i, wp := range r.Waypoints {
		out.Waypoints[i] = Waypoint{
			Name:      strings.TrimSpace(wp.Name),
			Lat:       round(wp.Lat),
			Lon:       round(wp.Lon),
			SpeedKn:   copyFloat(wp.SpeedKn),
			TurnRadNm: copyFloat(wp.TurnRadNm),
		}
	}
	return out
}

func (w Waypoint) validate() error {
	if math.IsNaN(w.Lat) || w.Lat < -90 || w.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", w.Lat)
	}
	if math.IsNaN(w.Lon) || w.Lon < -180 || w.Lon > 180 {
		return fmt.Errorf("longitude %v out of range", w.Lon)
	}
	if w.SpeedKn != nil && *w.SpeedKn < 0 {
		return fmt.Errorf("negative speed %v", *w.SpeedKn)
	}
	return nil
}

func round(v float64) float64 {
	p := math.Pow(10, coordDecimals)
	return math.Round(v*p) / p
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Clone returns a deep copy of the route.
func (r Route) Clone() Route {
	out := r
	out.DepartureAt = copyTime(r.DepartureAt)
	out.ArrivalAt = copyTime(r.ArrivalAt)
	if r.Waypoints != nil {
		out.Waypoints = make([]Waypoint, len(r.Waypoints))
		for i, wp := range r.Waypoints {
			wp.SpeedKn = copyFloat(wp.SpeedKn)
			wp.TurnRadNm = copyFloat(wp.TurnRadNm)
			out.Waypoints[i] = wp
		}
	}
	return out
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
