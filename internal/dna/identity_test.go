package dna

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityPersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	id, err := LoadOrCreateIdentity(path, "genesis", nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id.ID)
	assert.Equal(t, "tabula-rasa", id.LineageHash)
	assert.Empty(t, id.ParentID)

	again, err := LoadOrCreateIdentity(path, "ignored", nil, "")
	require.NoError(t, err)
	assert.Equal(t, id.ID, again.ID)
	assert.Equal(t, id.GenesisTime, again.GenesisTime)
}

func TestIdentityCreatedInFreshWorkspace(t *testing.T) {
	// The state directory does not exist until the identity is saved.
	path := filepath.Join(t.TempDir(), ".genesis", "identity.json")

	id, err := LoadOrCreateIdentity(path, "genesis", nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id.ID)

	again, err := LoadOrCreateIdentity(path, "genesis", nil, "")
	require.NoError(t, err)
	assert.Equal(t, id.ID, again.ID)
}

func TestIdentityParentPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	id, err := LoadOrCreateIdentity(path, "genesis", nil, "ancestor-42")
	require.NoError(t, err)
	assert.Equal(t, "ancestor-42", id.ParentID)

	reloaded, err := LoadOrCreateIdentity(path, "genesis", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "ancestor-42", reloaded.ParentID)
}

func TestIdentityLineageFromDNA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	id, err := LoadOrCreateIdentity(path, "genesis", []byte(`{"schema":"3"}`), "")
	require.NoError(t, err)
	assert.Len(t, id.LineageHash, 16)
	assert.NotEqual(t, "tabula-rasa", id.LineageHash)
}

func TestRecordAwakening(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	id, err := LoadOrCreateIdentity(path, "genesis", nil, "")
	require.NoError(t, err)
	require.NoError(t, id.RecordAwakening(path))
	require.NoError(t, id.RecordAwakening(path))

	reloaded, err := LoadOrCreateIdentity(path, "genesis", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Awakenings)
}
