package vault

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmv-io/lmv/internal/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := Open(t.TempDir(), "correct-horse-battery-staple")
	require.NoError(t, err)
	return eng
}

// S1: a freshly opened vault starts at version 0 with empty reserved blocks.
func TestOpen_InitialState(t *testing.T) {
	eng := newTestEngine(t)
	state, err := eng.CurrentState()
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Memory.Version)
	assert.Equal(t, int64(0), state.SnapshotCursor)
	assert.Equal(t, int64(0), state.LedgerCursor)

	var blocks map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(state.Memory.Blocks, &blocks))
	for _, k := range reservedBlockKeys {
		assert.Contains(t, blocks, k)
	}
}

// S2: a single successful patch advances version, cursor, and is replayable.
func TestPatchMemory_AppliesAndAdvancesVersion(t *testing.T) {
	eng := newTestEngine(t)
	state, err := eng.CurrentState()
	require.NoError(t, err)

	patch := []byte(`[{"op":"replace","path":"/identity","value":{"name":"ada"}}]`)
	newState, cursor, err := eng.PatchMemory(ETag(state.Memory.Version), patch, "user:ada", "set name", "token")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor)
	assert.Equal(t, int64(1), newState.Memory.Version)

	reread, err := eng.CurrentState()
	require.NoError(t, err)
	assert.Equal(t, int64(1), reread.Memory.Version)
	var blocks map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(reread.Memory.Blocks, &blocks))
	assert.JSONEq(t, `{"name":"ada"}`, string(blocks["identity"]))
}

// S3: a stale If-Match is rejected with a conflict carrying the live ETag.
func TestPatchMemory_StaleIfMatchConflicts(t *testing.T) {
	eng := newTestEngine(t)
	patch := []byte(`[{"op":"replace","path":"/identity","value":{"name":"ada"}}]`)
	_, _, err := eng.PatchMemory(ETag(0), patch, "user:ada", "first", "token")
	require.NoError(t, err)

	_, _, err = eng.PatchMemory(ETag(0), patch, "user:ada", "second, stale", "token")
	require.Error(t, err)
	verr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindConflict, verr.Kind)
	assert.Equal(t, ETag(1), verr.Current)
}

// A patch that removes a reserved block is rejected before being written.
func TestPatchMemory_RejectsRemovingReservedBlock(t *testing.T) {
	eng := newTestEngine(t)
	patch := []byte(`[{"op":"remove","path":"/identity"}]`)
	_, _, err := eng.PatchMemory(ETag(0), patch, "user:ada", "oops", "token")
	require.Error(t, err)
	verr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindBadRequest, verr.Kind)

	state, err := eng.CurrentState()
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Memory.Version, "rejected patch must not advance version")
	assert.Equal(t, int64(0), state.LedgerCursor, "rejected patch must not be journaled")
}

// Journal entries chain correctly across several patches.
func TestPatchMemory_BuildsValidHashChain(t *testing.T) {
	eng := newTestEngine(t)
	for i := 0; i < 3; i++ {
		state, err := eng.CurrentState()
		require.NoError(t, err)
		patch := []byte(`[{"op":"replace","path":"/rules","value":{"n":` + strconv.Itoa(i) + `}}]`)
		_, _, err = eng.PatchMemory(ETag(state.Memory.Version), patch, "user:ada", "iter", "token")
		require.NoError(t, err)
	}

	n, err := eng.VerifyLedger()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	entries, err := eng.readJournal()
	require.NoError(t, err)
	require.NoError(t, verifyChain(entries))
}

// S5: compaction folds the journal into a new snapshot without losing state,
// and subsequent reads still see the same memory.
func TestSnapshot_CompactsWithoutLosingState(t *testing.T) {
	eng := newTestEngine(t)
	state, err := eng.CurrentState()
	require.NoError(t, err)
	patch := []byte(`[{"op":"replace","path":"/projects","value":{"p":"lmv"}}]`)
	patched, _, err := eng.PatchMemory(ETag(state.Memory.Version), patch, "user:ada", "add project", "token")
	require.NoError(t, err)

	snapCursor, ledgerCursor, version, err := eng.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, ledgerCursor, snapCursor)
	assert.Equal(t, patched.Memory.Version, version)

	reread, err := eng.CurrentState()
	require.NoError(t, err)
	assert.Equal(t, patched.Memory.Version, reread.Memory.Version)
	assert.Equal(t, snapCursor, reread.SnapshotCursor)

	// A second compaction with no new journal entries is a no-op.
	snapCursor2, ledgerCursor2, _, err := eng.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snapCursor, snapCursor2)
	assert.Equal(t, ledgerCursor, ledgerCursor2)
}

func TestGetLedger_PaginatesAndReportsMore(t *testing.T) {
	eng := newTestEngine(t)
	for i := 0; i < 5; i++ {
		state, err := eng.CurrentState()
		require.NoError(t, err)
		patch := []byte(`[{"op":"replace","path":"/rules","value":{"n":` + strconv.Itoa(i) + `}}]`)
		_, _, err = eng.PatchMemory(ETag(state.Memory.Version), patch, "user:ada", "iter", "token")
		require.NoError(t, err)
	}

	page, next, hasMore, _, total, err := eng.GetLedger(0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), next)
	assert.True(t, hasMore)
	assert.Equal(t, int64(5), total)

	page2, next2, hasMore2, _, _, err := eng.GetLedger(next, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, int64(4), next2)
	assert.True(t, hasMore2)

	page3, _, hasMore3, _, _, err := eng.GetLedger(next2, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.False(t, hasMore3)
}

// Concurrent writers racing for the same version must see exactly one
// winner per version and all others conflict.
func TestPatchMemory_SerializesConcurrentWriters(t *testing.T) {
	eng := newTestEngine(t)
	const n = 20
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			patch := []byte(`[{"op":"replace","path":"/rules","value":{"n":` + strconv.Itoa(i) + `}}]`)
			_, _, err := eng.PatchMemory(ETag(0), patch, "user:race", "concurrent", "token")
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	okCount := 0
	for _, ok := range successes {
		if ok {
			okCount++
		}
	}
	assert.Equal(t, 1, okCount, "exactly one writer should win against stale If-Match")

	state, err := eng.CurrentState()
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Memory.Version)
	assert.Equal(t, int64(1), state.LedgerCursor)
}

func TestRotate_ReencryptsAndOldPassphraseStopsWorking(t *testing.T) {
	dir := t.TempDir()
	eng, err := Open(dir, "old-pass")
	require.NoError(t, err)

	state, err := eng.CurrentState()
	require.NoError(t, err)
	patch := []byte(`[{"op":"replace","path":"/identity","value":{"name":"ada"}}]`)
	_, _, err = eng.PatchMemory(ETag(state.Memory.Version), patch, "user:ada", "pre-rotation", "token")
	require.NoError(t, err)

	require.NoError(t, eng.Rotate("new-pass"))

	reread, err := eng.CurrentState()
	require.NoError(t, err)
	assert.Equal(t, int64(1), reread.Memory.Version)

	// The same on-disk directory opened with the new engine under the old
	// passphrase must fail to decrypt.
	stale := &Engine{store: eng.store, passphrase: "old-pass"}
	_, err = stale.CurrentState()
	require.Error(t, err)

	fresh := &Engine{store: eng.store, passphrase: "new-pass"}
	freshState, err := fresh.CurrentState()
	require.NoError(t, err)
	assert.Equal(t, int64(1), freshState.Memory.Version)
}

func TestOpen_RecoversPreRotationMemoryAfterInterruptedRotation(t *testing.T) {
	dir := t.TempDir()
	eng, err := Open(dir, "old-pass")
	require.NoError(t, err)

	state, err := eng.CurrentState()
	require.NoError(t, err)
	patch := []byte(`[{"op":"replace","path":"/identity","value":{"name":"ada"}}]`)
	_, _, err = eng.PatchMemory(ETag(state.Memory.Version), patch, "user:ada", "pre-rotation", "token")
	require.NoError(t, err)
	before, err := eng.CurrentState()
	require.NoError(t, err)

	// Simulate a crash partway through Rotate: all three live artifacts were
	// backed up and only the vault slot was refilled, while the journal and
	// meta swaps never ran. The refilled vault.enc is a copy of the backed-up
	// snapshot, standing in for the staged one.
	vaultPath := filepath.Join(dir, storage.VaultFileName())
	journalPath := filepath.Join(dir, storage.JournalFileName())
	metaPath := filepath.Join(dir, storage.MetaFileName())

	require.NoError(t, os.Rename(vaultPath, vaultPath+".bak.crashed"))
	require.NoError(t, os.Rename(journalPath, journalPath+".bak.crashed"))
	require.NoError(t, os.Rename(metaPath, metaPath+".bak.crashed"))

	rotatedSnapshot, err := os.ReadFile(vaultPath + ".bak.crashed")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(vaultPath, rotatedSnapshot, 0o600)) // stand-in for the lone completed staged rename

	reopened, err := Open(dir, "old-pass")
	require.NoError(t, err)
	after, err := reopened.CurrentState()
	require.NoError(t, err)

	assert.Equal(t, before.Memory.Version, after.Memory.Version)
	assert.JSONEq(t, string(before.Memory.Blocks), string(after.Memory.Blocks))
	assert.Equal(t, before.LedgerCursor, after.LedgerCursor)
}

func TestValidatePatchShape_RejectsMalformedPatches(t *testing.T) {
	cases := []string{
		`{}`,
		`[]`,
		`[{"op":"frobnicate","path":"/x"}]`,
		`[{"op":"add","path":"/x"}]`,
		`[{"op":"move","path":"/x"}]`,
		`[{"op":"add","path":"/version","value":5}]`,
		`[{"op":"replace","path":"/updated_at","value":"2026-01-01T00:00:00.000Z"}]`,
		`[{"op":"copy","from":"/version","path":"/identity/v"}]`,
	}
	for _, c := range cases {
		err := validatePatchShape([]byte(c))
		assert.Error(t, err, "expected error for %s", c)
	}
}
