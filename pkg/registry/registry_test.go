package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valgresultat/downloader/pkg/entity"
)

func TestRegistryAddAndContains(t *testing.T) {
	reg := Registry{}
	assert.True(t, reg.Add("2025", entity.TierRegion, "fylke-03-oslo"))
	assert.False(t, reg.Add("2025", entity.TierRegion, "fylke-03-oslo"))
	assert.True(t, reg.Contains("2025", entity.TierRegion, "fylke-03-oslo"))
	assert.False(t, reg.Contains("2021", entity.TierRegion, "fylke-03-oslo"))
	assert.False(t, reg.Add("2025", entity.TierNational, "norge"))
	assert.Equal(t, []string{entity.NationalID}, reg.IDs("2025", entity.TierNational))
}

func TestRegistryMergeAppendsOnlyNew(t *testing.T) {
	reg := Registry{
		"2025": {Fylke: []string{"fylke-03-oslo"}, Kommune: []string{}, Krets: []string{}},
	}
	other := Registry{
		"2025": {Fylke: []string{"fylke-46-vestland", "fylke-03-oslo"}, Kommune: []string{"kommune-03-0301-oslo"}},
		"2021": {Fylke: []string{"fylke-03-oslo"}},
	}

	added := reg.Merge(other)
	assert.Equal(t, 3, added)
	assert.Equal(t, []string{"fylke-03-oslo", "fylke-46-vestland"}, reg["2025"].Fylke)
	assert.Equal(t, []string{"kommune-03-0301-oslo"}, reg["2025"].Kommune)
	assert.Equal(t, []string{"fylke-03-oslo"}, reg["2021"].Fylke)

	// Merging again is a no-op.
	assert.Equal(t, 0, reg.Merge(other))
	assert.Equal(t, []string{"fylke-03-oslo", "fylke-46-vestland"}, reg["2025"].Fylke)
}

func TestRegistryCloneIsDeep(t *testing.T) {
	reg := Registry{"2025": {Fylke: []string{"fylke-03-oslo"}}}
	clone := reg.Clone()
	clone.Add("2025", entity.TierRegion, "fylke-46-vestland")
	assert.Len(t, reg["2025"].Fylke, 1)
	assert.Len(t, clone["2025"].Fylke, 2)
}

func TestRegistryCountAndEmpty(t *testing.T) {
	reg := Registry{}
	assert.True(t, reg.Empty())
	reg.Add("2025", entity.TierDistrict, "krets-03-0301-0001-sentrum")
	reg.Add("2021", entity.TierDistrict, "krets-03-0301-0001-sentrum")
	assert.False(t, reg.Empty())
	assert.Equal(t, 2, reg.Count(entity.TierDistrict))
	assert.Equal(t, []string{"2021", "2025"}, reg.Years())
}

func TestFileStoreLoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "config", "entities.json"), nil)
	reg, version, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reg)
	assert.Empty(t, version)
}

func TestFileStoreInvalidJSONIsTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := NewFileStore(path, nil)
	reg, version, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reg)
	assert.NotEmpty(t, version)

	// The broken file can be replaced and is kept as a revision.
	reg.Add("2025", entity.TierRegion, "fylke-03-oslo")
	_, err = store.Save(context.Background(), reg, version)
	require.NoError(t, err)

	revs, err := store.ListRevisions()
	require.NoError(t, err)
	assert.Len(t, revs, 1)
}

func TestFileStoreSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "entities.json")
	store := NewFileStore(path, nil)
	ctx := context.Background()

	reg := Registry{}
	reg.Add("2025", entity.TierRegion, "fylke-15-more-og-romsdal")
	reg.Add("2025", entity.TierMunicipality, "kommune-15-1505-kristiansund")

	v1, err := store.Save(ctx, reg, "")
	require.NoError(t, err)
	assert.NotEmpty(t, v1)

	loaded, v2, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, reg["2025"].Fylke, loaded["2025"].Fylke)
	assert.Equal(t, reg["2025"].Kommune, loaded["2025"].Kommune)
	assert.Equal(t, []string{}, loaded["2025"].Krets)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"krets": []`)
}

func TestFileStoreVersionConflict(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "entities.json"), nil)
	ctx := context.Background()

	reg := Registry{}
	reg.Add("2025", entity.TierRegion, "fylke-03-oslo")
	_, err := store.Save(ctx, reg, "")
	require.NoError(t, err)

	_, err = store.Save(ctx, reg, "stale")
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestFileStoreMergeAndSaveIsIdempotent(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "entities.json"), nil)
	ctx := context.Background()

	discovered := Registry{}
	discovered.Add("2025", entity.TierRegion, "fylke-03-oslo")

	first, added, err := store.MergeAndSave(ctx, discovered)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	second, added, err := store.MergeAndSave(ctx, discovered)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, first, second)

	revs, err := store.ListRevisions()
	require.NoError(t, err)
	assert.Empty(t, revs, "an unchanged save must not create a revision")
}

func TestFileStorePrunesHistory(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "entities.json"), nil)
	ctx := context.Background()

	reg := Registry{}
	version := ""
	for i := 0; i < maxRevisionHistory+5; i++ {
		reg.Add("2025", entity.TierDistrict, "krets-03-0301-"+string(rune('a'+i))+"-x")
		v, err := store.Save(ctx, reg, version)
		require.NoError(t, err)
		version = v
	}

	revs, err := store.ListRevisions()
	require.NoError(t, err)
	assert.Len(t, revs, maxRevisionHistory)
}
