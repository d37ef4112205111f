package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valgresultat/downloader/pkg/entity"
)

func mustDecode(t *testing.T, raw string) any {
	t.Helper()
	v, err := Decode([]byte(raw))
	require.NoError(t, err)
	return v
}

func TestHasMeaningfulChanges(t *testing.T) {
	a := mustDecode(t, `{"tidspunkt": {"rapportGenerert": "2025-09-08T21:00:00"}, "stemmer": {"total": 100, "partier": [{"id": "A", "n": 40}]}}`)
	b := mustDecode(t, `{"stemmer": {"partier": [{"n": 40, "id": "A"}], "total": 100}, "tidspunkt": {"rapportGenerert": "2025-09-08T21:00:00"}}`)
	assert.False(t, HasMeaningfulChanges(a, b), "key order must not matter")

	c := mustDecode(t, `{"stemmer": {"partier": [{"n": 41, "id": "A"}], "total": 100}, "tidspunkt": {"rapportGenerert": "2025-09-08T21:00:00"}}`)
	assert.True(t, HasMeaningfulChanges(a, c))

	d := mustDecode(t, `{"stemmer": {"partier": [{"n": 40, "id": "A"}], "total": 100}, "tidspunkt": {"rapportGenerert": "2025-09-08T21:05:00"}}`)
	assert.True(t, HasMeaningfulChanges(a, d), "metadata fields are compared too")

	assert.True(t, HasMeaningfulChanges(mustDecode(t, `[1, 2]`), mustDecode(t, `[2, 1]`)), "array order matters")
}

func TestTimestampRoundTrip(t *testing.T) {
	at := time.Date(2025, 9, 8, 21, 5, 0, 0, time.UTC)
	name := FormatTimestamp(at) + ".json"
	assert.Equal(t, "2025-09-08__2105.json", name)

	got, err := ParseTimestamp(name)
	require.NoError(t, err)
	assert.True(t, at.Equal(got))

	_, err = ParseTimestamp("notes.json")
	assert.Error(t, err)
}

func TestLayout(t *testing.T) {
	l := Layout{Root: "/data"}
	assert.Equal(t, "/data/2025/nasjonalt/norge", l.EntityDir("2025", entity.TierNational, "ignored"))
	assert.Equal(t, "/data/2025/fylke/fylke-03-oslo", l.EntityDir("2025", entity.TierRegion, "fylke-03-oslo"))
	assert.Equal(t, "/data/2025/kommune/kommune-03-0301-oslo", l.EntityDir("2025", entity.TierMunicipality, "kommune-03-0301-oslo"))
	assert.Equal(t, "/data/2025/kommune/krets/krets-03-0301-0001-sentrum", l.EntityDir("2025", entity.TierDistrict, "krets-03-0301-0001-sentrum"))
	assert.Equal(t, "/data/2025/fylke/fylke-03-oslo.json", LatestPath("/data/2025/fylke/fylke-03-oslo"))
	assert.Equal(t, "2025/fylke/fylke-03-oslo", l.Key("/data/2025/fylke/fylke-03-oslo"))
}

func TestEnsureYearDirs(t *testing.T) {
	root := t.TempDir()
	l := Layout{Root: root}
	require.NoError(t, l.EnsureYearDirs("2025"))
	for _, d := range []string{"nasjonalt/norge", "fylke", "kommune", "kommune/krets"} {
		info, err := os.Stat(filepath.Join(root, "2025", d))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func testRefs() map[string]LatestRef {
	return map[string]LatestRef{"symlink": SymlinkRef{}, "copy": CopyRef{}}
}

func TestStoreSaveAndLatest(t *testing.T) {
	for name, ref := range testRefs() {
		t.Run(name, func(t *testing.T) {
			store := NewStore(t.TempDir(), ref, WithPayloadCache(10))
			const id = "kommune-03-0301-oslo"

			_, err := store.Latest("2025", entity.TierMunicipality, id)
			require.ErrorIs(t, err, ErrNoLatest)

			t0 := time.Date(2025, 9, 8, 21, 0, 0, 0, time.UTC)
			raws := []string{`{"v": 1}`, `{"v": 2}`, `{"v": 3}`}
			var paths []string
			for i, raw := range raws {
				p, err := store.Save("2025", entity.TierMunicipality, id, []byte(raw), mustDecode(t, raw), t0.Add(time.Duration(i)*5*time.Minute))
				require.NoError(t, err)
				paths = append(paths, p)
			}

			dir := store.Layout().EntityDir("2025", entity.TierMunicipality, id)
			names, err := ListSnapshots(dir)
			require.NoError(t, err)
			assert.Equal(t, []string{"2025-09-08__2100.json", "2025-09-08__2105.json", "2025-09-08__2110.json"}, names)

			latest, err := store.Latest("2025", entity.TierMunicipality, id)
			require.NoError(t, err)
			assert.Equal(t, paths[2], latest.Path)
			assert.False(t, HasMeaningfulChanges(mustDecode(t, raws[2]), latest.Data))

			pointer, err := os.ReadFile(LatestPath(dir))
			require.NoError(t, err)
			assert.JSONEq(t, raws[2], string(pointer))
		})
	}
}

func TestStoreLatestWithoutCacheReadsDisk(t *testing.T) {
	store := NewStore(t.TempDir(), SymlinkRef{})
	at := time.Date(2025, 9, 8, 21, 0, 0, 0, time.UTC)
	_, err := store.Save("2025", entity.TierNational, entity.NationalID, []byte(`{"a":[1,2]}`), nil, at)
	require.NoError(t, err)

	latest, err := store.Latest("2025", entity.TierNational, entity.NationalID)
	require.NoError(t, err)
	assert.False(t, HasMeaningfulChanges(mustDecode(t, `{"a":[1,2]}`), latest.Data))

	link, err := os.Readlink(filepath.Join(store.Layout().Root, "2025", "nasjonalt", "norge.json"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("norge", "2025-09-08__2100.json"), link)
}

func TestCopyRefIgnoresStrayFiles(t *testing.T) {
	store := NewStore(t.TempDir(), CopyRef{}, WithPayloadCache(10))
	const id = "fylke-03-oslo"
	at := time.Date(2025, 9, 8, 21, 0, 0, 0, time.UTC)
	saved, err := store.Save("2025", entity.TierRegion, id, []byte(`{"v": 1}`), mustDecode(t, `{"v": 1}`), at)
	require.NoError(t, err)

	dir := store.Layout().EntityDir("2025", entity.TierRegion, id)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backup.json"), []byte(`{"v": 0}`), 0o644))

	target, err := CopyRef{}.Target(dir)
	require.NoError(t, err)
	assert.Equal(t, saved, target)

	latest, err := store.Latest("2025", entity.TierRegion, id)
	require.NoError(t, err)
	assert.Equal(t, saved, latest.Path)
	assert.Equal(t, mustDecode(t, `{"v": 1}`), latest.Data)
}

func TestSnapshotNamesFollowWriteOrderAcrossDST(t *testing.T) {
	// 02:30 summer time and 02:10 winter time on the fall-back night; the
	// second is 40 minutes later.
	summer := time.Date(2025, 10, 26, 2, 30, 0, 0, time.FixedZone("CEST", 2*60*60))
	winter := time.Date(2025, 10, 26, 2, 10, 0, 0, time.FixedZone("CET", 60*60))
	require.True(t, winter.After(summer))

	for name, ref := range testRefs() {
		t.Run(name, func(t *testing.T) {
			store := NewStore(t.TempDir(), ref, WithPayloadCache(10))
			_, err := store.Save("2025", entity.TierNational, entity.NationalID, []byte(`{"v": 1}`), mustDecode(t, `{"v": 1}`), summer)
			require.NoError(t, err)
			second, err := store.Save("2025", entity.TierNational, entity.NationalID, []byte(`{"v": 2}`), mustDecode(t, `{"v": 2}`), winter)
			require.NoError(t, err)

			dir := store.Layout().EntityDir("2025", entity.TierNational, entity.NationalID)
			names, err := ListSnapshots(dir)
			require.NoError(t, err)
			assert.Equal(t, []string{"2025-10-26__0030.json", "2025-10-26__0110.json"}, names)

			target, err := ref.Target(dir)
			require.NoError(t, err)
			assert.Equal(t, second, target)
		})
	}
}

func TestStoreNeverOverwrites(t *testing.T) {
	store := NewStore(t.TempDir(), SymlinkRef{})
	at := time.Date(2025, 9, 8, 21, 0, 0, 0, time.UTC)
	const id = "fylke-03-oslo"

	first, err := store.Save("2025", entity.TierRegion, id, []byte(`{"v": 1}`), nil, at)
	require.NoError(t, err)

	_, err = store.Save("2025", entity.TierRegion, id, []byte(`{"v": 2}`), nil, at.Add(30*time.Second))
	require.ErrorIs(t, err, ErrSnapshotExists)

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v": 1}`, string(data))

	names, err := ListSnapshots(filepath.Dir(first))
	require.NoError(t, err)
	assert.Len(t, names, 1, "temporary files must be cleaned up")
}

func TestStoreRejectsInvalidJSON(t *testing.T) {
	store := NewStore(t.TempDir(), SymlinkRef{})
	_, err := store.Save("2025", entity.TierRegion, "fylke-03-oslo", []byte(`{broken`), nil, time.Now())
	require.Error(t, err)
}

func TestSymlinkRefIgnoresDanglingPointer(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "fylke-03-oslo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.Symlink("fylke-03-oslo/gone.json", LatestPath(dir)))

	_, err := SymlinkRef{}.Target(dir)
	assert.ErrorIs(t, err, ErrNoLatest)
	_, err = SymlinkRef{}.Read(dir)
	assert.ErrorIs(t, err, ErrNoLatest)
}

func TestSymlinkRefReplacesRegularFilePointer(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "fylke-03-oslo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(LatestPath(dir), []byte(`{"old": true}`), 0o644))

	_, err := SymlinkRef{}.Target(dir)
	require.ErrorIs(t, err, ErrNoLatest)

	snap := filepath.Join(dir, "2025-09-08__2100.json")
	require.NoError(t, os.WriteFile(snap, []byte(`{"new": true}`), 0o644))
	require.NoError(t, SymlinkRef{}.Repoint(dir, snap))

	target, err := SymlinkRef{}.Target(dir)
	require.NoError(t, err)
	assert.Equal(t, snap, target)
}

func TestListSnapshotsFiltersEntries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fylke-03-oslo")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	for _, name := range []string{"2025-09-08__2100.json", "2025-09-07__0900.json", "fylke-03-oslo.json", ".x.json.tmp", "notes.txt", "broken-name.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`{}`), 0o644))
	}

	names, err := ListSnapshots(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-09-07__0900.json", "2025-09-08__2100.json", "broken-name.json"}, names)

	names, err = ListSnapshots(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestNewLatestRef(t *testing.T) {
	ref, err := NewLatestRef("")
	require.NoError(t, err)
	assert.IsType(t, SymlinkRef{}, ref)

	ref, err = NewLatestRef("copy")
	require.NoError(t, err)
	assert.IsType(t, CopyRef{}, ref)

	_, err = NewLatestRef("xattr")
	assert.Error(t, err)
}
