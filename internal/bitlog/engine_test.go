package bitlog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func testConfig(dir string) Config {
	opts := DefaultOptions()
	opts.IsMergeDisabled = true
	return Config{Dir: dir, Options: opts}
}

func TestEnginePutGetDelete(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	got, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, cmp.Equal(got, []byte("v1")))

	require.NoError(t, e.Put([]byte("k"), []byte("v2")))
	got, err = e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, cmp.Equal(got, []byte("v2")))

	require.NoError(t, e.Delete([]byte("k")))
	_, err = e.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngineRejectsOversizedKey(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	big := make([]byte, MaxKeySize+1)
	err = e.Put(big, []byte("v"))
	require.Error(t, err)
}

func TestEngineRotatesOnOverflow(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.IsMergeDisabled = true
	opts.MaxFileSize = 128
	e, err := Open(Config{Dir: dir, Options: opts})
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		require.NoError(t, e.Put(key, []byte("some-value-bytes")))
	}

	ids := e.ListDataFileIds()
	require.Greater(t, len(ids), 1, "expected rollover to have produced more than one file")

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		got, err := e.Get(key)
		require.NoError(t, err)
		require.Equal(t, "some-value-bytes", string(got))
	}
}

func TestEngineReopenRecoversFromHintFiles(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.IsMergeDisabled = true
	opts.MaxFileSize = 128

	e, err := Open(Config{Dir: dir, Options: opts})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		require.NoError(t, e.Put(key, []byte("some-value-bytes")))
	}
	require.NoError(t, e.Delete([]byte("key-05")))
	require.NoError(t, e.Close())

	e2, err := Open(Config{Dir: dir, Options: opts})
	require.NoError(t, err)
	defer e2.Close()

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%02d", i)
		got, err := e2.Get([]byte(key))
		if key == "key-05" {
			require.ErrorIs(t, err, ErrNotFound)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, "some-value-bytes", string(got))
	}
}

func TestEngineRecoversActiveFileWithoutHint(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))

	// Close without a clean Seal of the active file: drop the lock and
	// walk away, leaving 0.data on disk with no 0.hint sibling.
	require.NoError(t, e.lock.Unlock())

	e2, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer e2.Close()

	got, err := e2.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(got))
	got, err = e2.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, "2", string(got))
}

func TestEngineMergeReclaimsOverwrittenKeys(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.IsMergeDisabled = true
	opts.MaxFileSize = 96
	opts.MergeThresholdPerFile = 0.1
	opts.MergeThresholdFileNumber = 1

	e, err := Open(Config{Dir: dir, Options: opts})
	require.NoError(t, err)
	defer e.Close()

	key := []byte("hot-key")
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Put(key, []byte(fmt.Sprintf("value-%d", i))))
	}

	before := len(e.ListDataFileIds())
	require.Greater(t, before, 1, "expected overwrites to have rotated at least once")

	e.merge.runRound()
	require.Less(t, len(e.ListDataFileIds()), before, "expected the merge round to retire a victim file")

	got, err := e.Get(key)
	require.NoError(t, err)
	require.Equal(t, "value-9", string(got))
}

func TestEngineConcurrentPutGet(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.MaxFileSize = 256
	opts.MergeJobInterval = 5 * time.Millisecond
	opts.MergeThresholdPerFile = 0.2
	opts.MergeThresholdFileNumber = 1

	e, err := Open(Config{Dir: dir, Options: opts})
	require.NoError(t, err)
	defer e.Close()

	const workers = 8
	const iterations = 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := []byte(fmt.Sprintf("worker-%d", w))
			for i := 0; i < iterations; i++ {
				require.NoError(t, e.Put(key, []byte(fmt.Sprintf("v%d", i))))
				if _, err := e.Get(key); err != nil {
					t.Errorf("get failed: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < workers; w++ {
		key := []byte(fmt.Sprintf("worker-%d", w))
		got, err := e.Get(key)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%d", iterations-1), string(got))
	}
}
