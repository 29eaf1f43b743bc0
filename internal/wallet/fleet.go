package wallet

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// fleetManifest is the on-disk fleet file. Balances are advisory seeds;
// the chain is the source of truth once a daemon refreshes them.
type fleetManifest struct {
	Wallets []fleetWallet `yaml:"wallets"`
}

type fleetWallet struct {
	ID      string  `yaml:"id"`
	Address string  `yaml:"address"`
	Role    string  `yaml:"role"`
	Balance float64 `yaml:"balance"`
}

// LoadFleet reads a YAML fleet manifest into a fresh in-memory repository.
// Addresses are checksum-normalized; duplicate ids or addresses and unknown
// roles fail the whole load.
func LoadFleet(path string) (*InMemoryRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet manifest: %w", err)
	}

	manifest := fleetManifest{}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse fleet manifest: %w", err)
	}
	if len(manifest.Wallets) == 0 {
		return nil, fmt.Errorf("fleet manifest %s lists no wallets", path)
	}

	repo := NewInMemoryRepository()
	seenIDs := make(map[string]bool, len(manifest.Wallets))
	seenAddrs := make(map[string]bool, len(manifest.Wallets))

	for i, fw := range manifest.Wallets {
		if fw.ID == "" {
			return nil, fmt.Errorf("fleet manifest: wallet %d has no id", i)
		}
		if seenIDs[fw.ID] {
			return nil, fmt.Errorf("fleet manifest: duplicate wallet id %s", fw.ID)
		}
		seenIDs[fw.ID] = true

		role, err := ParseRole(fw.Role)
		if err != nil {
			return nil, fmt.Errorf("fleet manifest: wallet %s: %w", fw.ID, err)
		}

		addr, err := NormalizeAddress(fw.Address)
		if err != nil {
			return nil, fmt.Errorf("fleet manifest: wallet %s: %w", fw.ID, err)
		}
		if seenAddrs[addr] {
			return nil, fmt.Errorf("fleet manifest: duplicate address %s (wallet %s)", addr, fw.ID)
		}
		seenAddrs[addr] = true

		if fw.Balance < 0 {
			return nil, fmt.Errorf("fleet manifest: wallet %s has negative balance", fw.ID)
		}

		repo.Add(Snapshot{
			ID:      fw.ID,
			Address: addr,
			Role:    role,
			Balance: decimal.NewFromFloat(fw.Balance),
		})
	}

	log.Info().
		Int("wallets", repo.Len()).
		Str("path", path).
		Msg("fleet manifest loaded")

	return repo, nil
}
