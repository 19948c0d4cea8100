package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string    `json:"name"`
	State []float64 `json:"state"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	in := payload{Name: "unet", State: []float64{1.5, -2, 3}}
	cp, err := store.Save("unet", in)
	require.NoError(t, err)
	assert.NotEmpty(t, cp.RunID)
	assert.Len(t, cp.Digest, 64)

	var out payload
	loaded, err := store.LoadLatest("unet", &out)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, cp.Digest, loaded.Digest)
}

func TestLoadVersion(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	first, err := store.Save("classifier", payload{Name: "v1"})
	require.NoError(t, err)
	_, err = store.Save("classifier", payload{Name: "v2"})
	require.NoError(t, err)

	var out payload
	_, err = store.LoadVersion("classifier", first.RunID, &out)
	require.NoError(t, err)
	assert.Equal(t, "v1", out.Name)

	// latest reflects the second save
	_, err = store.LoadLatest("classifier", &out)
	require.NoError(t, err)
	assert.Equal(t, "v2", out.Name)
}

func TestDigestTamperDetection(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	_, err = store.Save("projection", payload{Name: "p"})
	require.NoError(t, err)

	path := filepath.Join(dir, "projection", "latest.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cp Checkpoint
	require.NoError(t, json.Unmarshal(data, &cp))
	cp.Payload = json.RawMessage(`{"name":"tampered"}`)
	tampered, err := json.Marshal(cp)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	var dm *DigestMismatchError
	_, err = store.LoadLatest("projection", &payload{})
	require.ErrorAs(t, err, &dm)
}

func TestArtifactsVersionedIndependently(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Save("unet", payload{Name: "u"})
	require.NoError(t, err)
	_, err = store.Save("unet", payload{Name: "u2"})
	require.NoError(t, err)
	_, err = store.Save("classifier", payload{Name: "c"})
	require.NoError(t, err)

	unetVersions, err := store.ListVersions("unet")
	require.NoError(t, err)
	clsVersions, err := store.ListVersions("classifier")
	require.NoError(t, err)
	assert.Len(t, unetVersions, 2)
	assert.Len(t, clsVersions, 1)

	missing, err := store.ListVersions("never-saved")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestLoadMissingArtifact(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.LoadLatest("unet", &payload{})
	require.Error(t, err)
}
