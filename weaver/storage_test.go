package weaver

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStorage(t *testing.T, store Storage) {
	t.Helper()

	blob, ok, err := store.LoadState("missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, blob)

	payload := []byte("rewrite-result")
	require.NoError(t, store.SaveState("unit-a", payload))
	payload[0] = 'X' // saved copy must not alias the caller's slice

	blob, ok, err = store.LoadState("unit-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("rewrite-result"), blob)

	require.NoError(t, store.SaveState("unit-a", []byte("updated")))
	blob, ok, err = store.LoadState("unit-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("updated"), blob)

	require.NoError(t, store.Clear())
	_, ok, err = store.LoadState("unit-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemStorage(t *testing.T) {
	t.Parallel()

	store := NewMemStorage()
	t.Cleanup(store.Close)
	testStorage(t, store)
}

func TestBadgerStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("badger storage test skipped in short mode")
	}
	t.Parallel()

	store, err := NewBadgerStorage(filepath.Join(t.TempDir(), "badger"), 16)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	testStorage(t, store)
}

func TestBadgerStoragePersists(t *testing.T) {
	if testing.Short() {
		t.Skip("badger storage test skipped in short mode")
	}
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "badger")
	store, err := NewBadgerStorage(dir, 16)
	require.NoError(t, err)
	require.NoError(t, store.SaveState("unit-a", []byte("kept")))
	store.Close()

	reopened, err := NewBadgerStorage(dir, 16)
	require.NoError(t, err)
	t.Cleanup(reopened.Close)

	blob, ok, err := reopened.LoadState("unit-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("kept"), blob)
}

func TestCachedStorage(t *testing.T) {
	t.Parallel()

	store, err := NewCachedStorage(NewMemStorage(), 16)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	testStorage(t, store)
}

func TestCacheRecordRoundTrip(t *testing.T) {
	t.Parallel()

	rec := cacheRecord{
		Marked: true,
		Record: DiagnosticRecord{
			Unit:    "com.app.MainActivity",
			Kind:    "LifecycleScreen",
			Outcome: OutcomeInstrumented,
			Notes:   []string{"synthesized lifecycle override onCreate(Landroid/os/Bundle;)V"},
		},
	}
	output := fxScreenClass(t, "com/app/MainActivity")

	blob, err := encodeCacheRecord(rec, output)
	require.NoError(t, err)

	decoded, decodedOutput, err := decodeCacheRecord(blob)
	require.NoError(t, err)
	assert.True(t, decoded.Marked)
	assert.Equal(t, rec.Record, decoded.Record)
	assert.Equal(t, output, decodedOutput)
}

func TestCacheRecordEmptyOutput(t *testing.T) {
	t.Parallel()

	blob, err := encodeCacheRecord(cacheRecord{Marked: false}, nil)
	require.NoError(t, err)

	decoded, output, err := decodeCacheRecord(blob)
	require.NoError(t, err)
	assert.False(t, decoded.Marked)
	assert.Nil(t, output)
}

func TestDecodeCacheRecordRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, _, err := decodeCacheRecord([]byte{0xC1, 0xFF, 0x00})
	assert.Error(t, err)
}
