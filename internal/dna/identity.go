package dna

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Identity is the stable self-record of an agent instance. It survives
// DNA resets: wiping evolved state does not mint a new being.
type Identity struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	GenesisTime time.Time `json:"genesis_time"`
	LineageHash string    `json:"lineage_hash"`
	// ParentID names the instance this one was spawned from. Empty for
	// a tabula-rasa start.
	ParentID   string `json:"parent_id,omitempty"`
	Awakenings int    `json:"awakenings"`
}

// LoadOrCreateIdentity reads the identity file, minting a new identity
// on first awakening. lineage is the raw DNA document bytes at birth, or
// nil for a blank start; parentID names the spawning instance, or is
// empty.
func LoadOrCreateIdentity(path, displayName string, lineage []byte, parentID string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("failed to parse identity: %w", err)
		}
		return &id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id := &Identity{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		GenesisTime: time.Now().UTC(),
		LineageHash: lineageHash(lineage),
		ParentID:    parentID,
	}
	if err := id.save(path); err != nil {
		return nil, err
	}
	return id, nil
}

// RecordAwakening bumps the awakening counter and persists.
func (id *Identity) RecordAwakening(path string) error {
	id.Awakenings++
	return id.save(path)
}

func (id *Identity) save(path string) error {
	// The identity may be the first thing ever persisted in a fresh
	// workspace; the state directory does not exist yet.
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := atomicWrite(path, append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	return nil
}

// lineageHash fingerprints the DNA an agent was born from. A blank start
// has the fixed lineage "tabula-rasa".
func lineageHash(lineage []byte) string {
	if len(lineage) == 0 {
		return "tabula-rasa"
	}
	sum := sha256.Sum256(lineage)
	return hex.EncodeToString(sum[:])[:16]
}
