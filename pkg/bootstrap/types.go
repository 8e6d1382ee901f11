// Package bootstrap loads the static counterparty seeds: vessels whose
// endpoints are known ahead of time and stay reachable even when presence
// discovery returns nothing.
package bootstrap

import (
	"sort"

	"github.com/morezero/route-negotiator/pkg/endpoint"
)

// SeedCounterparty is a statically configured counterparty.
type SeedCounterparty struct {
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Protocol    string            `json:"protocol,omitempty"`
	Subjects    map[string]string `json:"subjects"`
	Disabled    bool              `json:"disabled,omitempty"`
}

// SeedConfig is the root seed file.
type SeedConfig struct {
	Name           string                      `json:"name"`
	Version        string                      `json:"version"`
	Description    string                      `json:"description,omitempty"`
	Counterparties map[string]SeedCounterparty `json:"counterparties"`
	// Aliases map an alternative id (call sign, MMSI) to a counterparty id.
	Aliases map[string]string `json:"aliases,omitempty"`
}

// ResolvedSeeds provides fast lookup of seed counterparties.
type ResolvedSeeds struct {
	name           string
	version        string
	counterparties map[string]*SeedCounterparty
	aliases        map[string]string
}

// Get returns a seed by id or alias.
func (rs *ResolvedSeeds) Get(id string) *SeedCounterparty {
	if cp, ok := rs.counterparties[id]; ok {
		return cp
	}
	if resolved, ok := rs.aliases[id]; ok {
		return rs.counterparties[resolved]
	}
	return nil
}

// ResolveAlias resolves an alias to the counterparty id.
func (rs *ResolvedSeeds) ResolveAlias(id string) string {
	if resolved, ok := rs.aliases[id]; ok {
		return resolved
	}
	return id
}

// Endpoints returns the enabled seeds as cache endpoints, sorted by id.
func (rs *ResolvedSeeds) Endpoints() []endpoint.Endpoint {
	out := make([]endpoint.Endpoint, 0, len(rs.counterparties))
	for id, cp := range rs.counterparties {
		if cp.Disabled {
			continue
		}
		subjects := make(map[string]string, len(cp.Subjects))
		for family, subject := range cp.Subjects {
			subjects[family] = subject
		}
		out = append(out, endpoint.Endpoint{
			CounterpartyID: id,
			Protocol:       cp.Protocol,
			Subjects:       subjects,
			Static:         true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CounterpartyID < out[j].CounterpartyID })
	return out
}

// Name returns the seed file name.
func (rs *ResolvedSeeds) Name() string {
	return rs.name
}

// Version returns the seed file version.
func (rs *ResolvedSeeds) Version() string {
	return rs.version
}
