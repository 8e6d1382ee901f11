package bootstrap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

const logPrefix = "bootstrap:loader"

// LoadSeedConfig loads the seed file. Paths passed in are tried first, then
// ENDPOINT_SEED_FILE, then the default locations. Without any readable file
// an empty config is returned.
func LoadSeedConfig(paths ...string) (*SeedConfig, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("ENDPOINT_SEED_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/counterparties.json", "counterparties.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg SeedConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s - failed to parse seed file %s: %w", logPrefix, p, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s - seed file %s: %w", logPrefix, p, err)
		}

		slog.Info(fmt.Sprintf("%s - Loaded %d counterparty seeds from %s", logPrefix, len(cfg.Counterparties), p))
		return &cfg, nil
	}

	slog.Info(fmt.Sprintf("%s - No seed file found, relying on discovery only", logPrefix))
	return GetDefaultSeedConfig(), nil
}

// GetDefaultSeedConfig returns an empty seed configuration.
func GetDefaultSeedConfig() *SeedConfig {
	return &SeedConfig{
		Name:           "route-negotiator-seeds",
		Version:        "1.0.0",
		Counterparties: map[string]SeedCounterparty{},
		Aliases:        map[string]string{},
	}
}

// Validate checks that every seed has at least one subject and that aliases
// point at known seeds.
func (c *SeedConfig) Validate() error {
	for id, cp := range c.Counterparties {
		if id == "" {
			return fmt.Errorf("counterparty with empty id")
		}
		if len(cp.Subjects) == 0 {
			return fmt.Errorf("counterparty %s has no subjects", id)
		}
	}
	for alias, target := range c.Aliases {
		if _, ok := c.Counterparties[target]; !ok {
			return fmt.Errorf("alias %s points at unknown counterparty %s", alias, target)
		}
	}
	return nil
}

// CreateResolvedSeeds builds ResolvedSeeds for fast lookups.
func CreateResolvedSeeds(cfg *SeedConfig) *ResolvedSeeds {
	cps := make(map[string]*SeedCounterparty, len(cfg.Counterparties))
	for id, cp := range cfg.Counterparties {
		c := cp
		cps[id] = &c
	}

	aliases := make(map[string]string, len(cfg.Aliases))
	for alias, target := range cfg.Aliases {
		aliases[alias] = target
	}

	return &ResolvedSeeds{
		name:           cfg.Name,
		version:        cfg.Version,
		counterparties: cps,
		aliases:        aliases,
	}
}
