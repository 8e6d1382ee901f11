package voyage

import (
	"testing"
	"time"
)

const routeTestPrefix = "voyage:route_test"

func twoPointRoute() Route {
	return Route{
		RouteID:    "r-42",
		Name:       "  Gothenburg - Kiel ",
		VesselIMO:  "9074729",
		VesselName: "MV Test",
		Waypoints: []Waypoint{
			{Name: " GOT ", Lat: 57.7000001234, Lon: 11.9},
			{Name: "KIE", Lat: 54.33, Lon: 10.15},
		},
	}
}

func TestRoute_Validate(t *testing.T) {
	dep := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	arrBefore := dep.Add(-time.Hour)
	neg := -1.0

	tests := []struct {
		name    string
		mutate  func(r *Route)
		wantErr bool
	}{
		{"valid", func(r *Route) {}, false},
		{"single waypoint", func(r *Route) { r.Waypoints = r.Waypoints[:1] }, true},
		{"latitude out of range", func(r *Route) { r.Waypoints[0].Lat = 91 }, true},
		{"longitude out of range", func(r *Route) { r.Waypoints[1].Lon = -181 }, true},
		{"negative speed", func(r *Route) { r.Waypoints[1].SpeedKn = &neg }, true},
		{"arrival before departure", func(r *Route) { r.DepartureAt = &dep; r.ArrivalAt = &arrBefore }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := twoPointRoute()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("%s - expected error", routeTestPrefix)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("%s - unexpected error: %v", routeTestPrefix, err)
			}
		})
	}
}

func TestRoute_NormalizeStripsIdentity(t *testing.T) {
	r := twoPointRoute()
	n := r.Normalize()

	if n.RouteID != "" || n.VesselIMO != "" || n.VesselName != "" {
		t.Errorf("%s - identity not stripped: %+v", routeTestPrefix, n)
	}
	if n.Name != "Gothenburg - Kiel" {
		t.Errorf("%s - Name = %q", routeTestPrefix, n.Name)
	}
	if n.Waypoints[0].Name != "GOT" {
		t.Errorf("%s - waypoint name = %q", routeTestPrefix, n.Waypoints[0].Name)
	}
	if n.Waypoints[0].Lat != 57.7 {
		t.Errorf("%s - lat = %v, want 57.7", routeTestPrefix, n.Waypoints[0].Lat)
	}
	// original untouched
	if r.VesselIMO != "9074729" {
		t.Errorf("%s - original mutated", routeTestPrefix)
	}
}

func TestRouteSuggestion_Validate(t *testing.T) {
	from := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	ok := RouteSuggestion{Route: twoPointRoute(), ValidFrom: from, ValidTo: from.Add(2 * time.Hour)}
	if err := ok.Validate(); err != nil {
		t.Fatalf("%s - unexpected error: %v", routeTestPrefix, err)
	}

	inverted := ok
	inverted.ValidTo = from.Add(-time.Minute)
	if err := inverted.Validate(); err == nil {
		t.Errorf("%s - expected error for inverted window", routeTestPrefix)
	}

	missing := ok
	missing.ValidFrom = time.Time{}
	if err := missing.Validate(); err == nil {
		t.Errorf("%s - expected error for missing window", routeTestPrefix)
	}
}

func TestRoute_CloneIsDeep(t *testing.T) {
	speed := 12.5
	dep := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	r := twoPointRoute()
	r.DepartureAt = &dep
	r.Waypoints[0].SpeedKn = &speed

	c := r.Clone()
	c.Waypoints[0].Lat = 0
	*c.Waypoints[0].SpeedKn = 3
	*c.DepartureAt = dep.Add(time.Hour)

	if r.Waypoints[0].Lat != 57.7000001234 {
		t.Errorf("%s - clone shares waypoints", routeTestPrefix)
	}
	if *r.Waypoints[0].SpeedKn != 12.5 {
		t.Errorf("%s - clone shares speed pointer", routeTestPrefix)
	}
	if !r.DepartureAt.Equal(dep) {
		t.Errorf("%s - clone shares departure pointer", routeTestPrefix)
	}
}
