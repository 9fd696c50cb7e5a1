package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	miltonerrors "milton/internal/errors"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return r
}

func entry(version string) Entry {
	return Entry{
		Version:   version,
		BaseModel: "base-3b",
		ModelPath: "/models/" + version,
		Timestamp: time.Date(2026, 1, 26, 0, 0, 0, 0, time.UTC),
	}
}

func TestAppendAndList(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Append(entry("v1")))
	require.NoError(t, r.Append(entry("v2")))

	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "v1", entries[0].Version)
	assert.Equal(t, "v2", entries[1].Version)
}

func TestAppendRejectsDuplicateVersion(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Append(entry("v1")))

	err := r.Append(entry("v1"))
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindRegistryConflict, miltonerrors.KindOf(err))
}

func TestSetActivePreservesLastGood(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Append(entry("v1")))
	require.NoError(t, r.Append(entry("v2")))
	require.NoError(t, r.Append(entry("v3")))

	require.NoError(t, r.SetActive("v1"))
	require.NoError(t, r.SetActive("v2"))
	require.NoError(t, r.SetActive("v3"))

	entries, err := r.List()
	require.NoError(t, err)

	activeCount, lastGoodCount := 0, 0
	for _, e := range entries {
		if e.Active {
			activeCount++
			assert.Equal(t, "v3", e.Version)
		}
		if e.LastGood {
			lastGoodCount++
			assert.Equal(t, "v2", e.Version, "prior active must become last_good")
		}
	}
	assert.Equal(t, 1, activeCount)
	assert.Equal(t, 1, lastGoodCount)
}

func TestSetActiveFirstActivationAnchorsLastGood(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Append(entry("v1")))
	require.NoError(t, r.SetActive("v1"))

	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Active)
	assert.True(t, entries[0].LastGood, "an active ledger must carry a rollback anchor")

	lastGood, err := r.LastGoodEntry()
	require.NoError(t, err)
	require.NotNil(t, lastGood)
	assert.Equal(t, "v1", lastGood.Version)
}

func TestSetActiveUnknownVersion(t *testing.T) {
	r := newTestRegistry(t)
	err := r.SetActive("ghost")
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindNoCandidate, miltonerrors.KindOf(err))
}

func TestActiveAndLastGoodLookups(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Append(entry("v1")))
	require.NoError(t, r.Append(entry("v2")))
	require.NoError(t, r.SetActive("v1"))
	require.NoError(t, r.SetActive("v2"))

	active, err := r.ActiveEntry()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "v2", active.Version)

	lastGood, err := r.LastGoodEntry()
	require.NoError(t, err)
	require.NotNil(t, lastGood)
	assert.Equal(t, "v1", lastGood.Version)
}

func TestEmptyRegistry(t *testing.T) {
	r := newTestRegistry(t)
	entries, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	active, err := r.ActiveEntry()
	require.NoError(t, err)
	assert.Nil(t, active)
}
