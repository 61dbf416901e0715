// Package vault implements the vault engine (component C4): state assembly
// from an encrypted snapshot plus encrypted journal replay, version-gated
// patch admission, journal pagination, compaction, integrity verification,
// and passphrase rotation. It is adapted from the teacher's
// internal/audit.Logger hash-chain (seq/ts/payload/prev_hash/event_hash),
// generalized to cursor-addressed entries layered under AEAD envelopes and
// gated by an optimistic-concurrency version.
package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/lmv-io/lmv/internal/envelope"
	"github.com/lmv-io/lmv/internal/storage"
)

// nowFunc is overridable in tests that need deterministic timestamps.
var nowFunc = func() time.Time { return time.Now().UTC() }

// Engine owns the mutation lock and the passphrase for one data directory.
// Reads do not take the lock (see §5); mutating operations (PatchMemory,
// Snapshot, Rotate's rewrite) do.
type Engine struct {
	mu         sync.Mutex
	store      *storage.Store
	passphrase string
}

// Open ensures the data directory is initialized (creating an empty vault on
// first run) and returns a ready Engine.
func Open(dataDir, passphrase string) (*Engine, error) {
	store := storage.New(dataDir)

	mem := emptyMemory()
	initialSnapshot := Snapshot{UID: vaultUID, SchemaVersion: currentSchemaVersion, Memory: mem, SnapshotCursor: 0, UpdatedAt: ""}
	env, err := envelope.Encrypt(passphrase, envelope.InfoVault, initialSnapshot, vaultAADFor(mem))
	if err != nil {
		return nil, fmt.Errorf("vault: encrypting initial snapshot: %w", err)
	}
	meta := storage.Meta{
		KDF:        env.KDF,
		HKDFVault:  envelope.HKDFParams{Name: "hkdf-sha256", Info: envelope.InfoVault},
		HKDFLedger: envelope.HKDFParams{Name: "hkdf-sha256", Info: envelope.InfoLedger},
		AEADAlg:    "aes-256-gcm",
		UpdatedAt:  nowFunc().Format("2006-01-02T15:04:05.000Z07:00"),
	}

	if err := store.EnsureExists(env, meta); err != nil {
		return nil, fmt.Errorf("vault: ensuring data dir: %w", err)
	}

	return &Engine{store: store, passphrase: passphrase}, nil
}

// readSnapshot loads and authenticates the persisted snapshot.
func (e *Engine) readSnapshot() (Snapshot, int64, error) {
	env, err := e.store.ReadSnapshot()
	if err != nil {
		return Snapshot{}, 0, corruption("reading snapshot", err)
	}
	raw, aad, err := envelope.Decrypt(e.passphrase, envelope.InfoVault, env)
	if err != nil {
		return Snapshot{}, 0, corruption("decrypting snapshot", err)
	}
	var snap Snapshot
	if err := unmarshalStrict(raw, &snap); err != nil {
		return Snapshot{}, 0, corruption("parsing snapshot", err)
	}
	if err := envelope.VerifyAAD(aad, vaultAADFor(snap.Memory)); err != nil {
		return Snapshot{}, 0, corruption("snapshot aad mismatch", err)
	}
	return snap, snap.SnapshotCursor, nil
}

// readJournal loads every journal envelope, authenticates it, verifies its
// AAD, and decodes it into a JournalEntry. The hash chain and cursor
// contiguity are NOT checked here — that is layered on top by verifyChain(),
// which needs the raw ordered list first.
func (e *Engine) readJournal() ([]JournalEntry, error) {
	envs, err := e.store.ReadJournal()
	if err != nil {
		return nil, corruption("reading journal", err)
	}
	entries := make([]JournalEntry, 0, len(envs))
	for i, env := range envs {
		raw, aad, err := envelope.Decrypt(e.passphrase, envelope.InfoLedger, env)
		if err != nil {
			return nil, corruption(fmt.Sprintf("decrypting journal entry %d", i+1), err)
		}
		var entry JournalEntry
		if err := unmarshalStrict(raw, &entry); err != nil {
			return nil, corruption(fmt.Sprintf("parsing journal entry %d", i+1), err)
		}
		if err := envelope.VerifyAAD(aad, ledgerAADFor(entry.Cursor)); err != nil {
			return nil, corruption(fmt.Sprintf("journal entry %d aad mismatch", i+1), err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// verifyChain checks cursor density from 1, prev_hash linkage, and
// entry_hash recomputation for every entry (invariants 1 and 2).
func verifyChain(entries []JournalEntry) error {
	prevHash := ""
	for i, entry := range entries {
		wantCursor := int64(i + 1)
		if entry.Cursor != wantCursor {
			return corruption(fmt.Sprintf("cursor discontinuity: expected %d, got %d", wantCursor, entry.Cursor), nil)
		}
		if entry.PrevHash != prevHash {
			return corruption(fmt.Sprintf("prev_hash mismatch at cursor %d", entry.Cursor), nil)
		}
		computed, err := computeEntryHash(entry)
		if err != nil {
			return corruption(fmt.Sprintf("recomputing hash at cursor %d", entry.Cursor), err)
		}
		if computed != entry.EntryHash {
			return corruption(fmt.Sprintf("entry_hash mismatch at cursor %d", entry.Cursor), nil)
		}
		prevHash = entry.EntryHash
	}
	return nil
}

// replay folds entries with cursor > fromCursor onto base,
// enforcing base_version continuity (invariant 3).
func replay(base Memory, entries []JournalEntry, fromCursor int64) (Memory, error) {
	mem := base
	for _, entry := range entries {
		if entry.Cursor <= fromCursor {
			continue
		}
		if entry.BaseVersion != mem.Version {
			return Memory{}, corruption(
				fmt.Sprintf("replay mismatch at cursor %d: entry base_version %d != memory version %d",
					entry.Cursor, entry.BaseVersion, mem.Version), nil)
		}
		patched, err := applyJSONPatch(mem.Blocks, entry.Patch)
		if err != nil {
			return Memory{}, corruption(fmt.Sprintf("replaying patch at cursor %d", entry.Cursor), err)
		}
		mem = Memory{Version: entry.NewVersion, Blocks: patched, UpdatedAt: entry.Ts}
	}
	return mem, nil
}

// CurrentState assembles (memory, snapshot_cursor, ledger_cursor) per §4.4
// "State assembly". It does not take the mutation lock; it reads the
// snapshot first and then the journal, tolerating a journal that has grown
// since the snapshot was written (§5).
func (e *Engine) CurrentState() (State, error) {
	snap, snapCursor, err := e.readSnapshot()
	if err != nil {
		return State{}, err
	}
	entries, err := e.readJournal()
	if err != nil {
		return State{}, err
	}
	if err := verifyChain(entries); err != nil {
		return State{}, err
	}
	if snapCursor > int64(len(entries)) {
		return State{}, corruption(fmt.Sprintf("snapshot_cursor %d exceeds journal length %d", snapCursor, len(entries)), nil)
	}
	mem, err := replay(snap.Memory, entries, snapCursor)
	if err != nil {
		return State{}, err
	}
	return State{Memory: mem, SnapshotCursor: snapCursor, LedgerCursor: int64(len(entries))}, nil
}

// PatchMemory implements §4.4 "Patch admission". auth is "token" or "none"
// per the write gate outcome (§6); the caller (request surface) decides
// which applies before calling in.
func (e *Engine) PatchMemory(ifMatch string, patch []byte, actor, reason, auth string) (State, int64, error) {
	version, err := parseETag(ifMatch)
	if err != nil {
		return State{}, 0, err
	}
	if err := validatePatchShape(patch); err != nil {
		return State{}, 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.CurrentState()
	if err != nil {
		return State{}, 0, err
	}
	if version != state.Memory.Version {
		return State{}, 0, conflict(ETag(state.Memory.Version))
	}

	newBlocks, err := applyJSONPatch(state.Memory.Blocks, patch)
	if err != nil {
		return State{}, 0, patchApplyErr(err)
	}
	if err := validateBlocksShape(newBlocks); err != nil {
		return State{}, 0, err
	}

	lastHash, err := lastEntryHash(e)
	if err != nil {
		return State{}, 0, err
	}

	cursor := state.LedgerCursor + 1
	ts := nowFunc().Format("2006-01-02T15:04:05.000Z07:00")
	entry := JournalEntry{
		Cursor:      cursor,
		Ts:          ts,
		Actor:       actor,
		BaseVersion: state.Memory.Version,
		NewVersion:  state.Memory.Version + 1,
		Reason:      reason,
		Auth:        auth,
		Patch:       patch,
		PrevHash:    lastHash,
	}
	hash, err := computeEntryHash(entry)
	if err != nil {
		return State{}, 0, internalErr(err)
	}
	entry.EntryHash = hash

	env, err := envelope.Encrypt(e.passphrase, envelope.InfoLedger, entry, ledgerAADFor(cursor))
	if err != nil {
		return State{}, 0, internalErr(err)
	}
	if err := e.store.AppendJournal(env); err != nil {
		return State{}, 0, internalErr(err)
	}

	newMem := Memory{Version: entry.NewVersion, Blocks: newBlocks, UpdatedAt: ts}
	newState := State{Memory: newMem, SnapshotCursor: state.SnapshotCursor, LedgerCursor: cursor}
	return newState, cursor, nil
}

// lastEntryHash returns the entry_hash of the most recent journal entry, or
// "" if the journal is empty.
func lastEntryHash(e *Engine) (string, error) {
	entries, err := e.readJournal()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].EntryHash, nil
}

// GetLedger implements §4.4 "Journal pagination".
func (e *Engine) GetLedger(since, limit int64) ([]JournalEntry, int64, bool, int64, int64, error) {
	if since < 0 {
		since = 0
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	_, snapCursor, err := e.readSnapshot()
	if err != nil {
		return nil, 0, false, 0, 0, err
	}
	entries, err := e.readJournal()
	if err != nil {
		return nil, 0, false, 0, 0, err
	}
	if err := verifyChain(entries); err != nil {
		return nil, 0, false, 0, 0, err
	}

	var page []JournalEntry
	for _, entry := range entries {
		if entry.Cursor > since {
			page = append(page, entry)
			if int64(len(page)) >= limit {
				break
			}
		}
	}

	nextCursor := since
	if len(page) > 0 {
		nextCursor = page[len(page)-1].Cursor
	}
	hasMore := int64(len(entries)) > nextCursor

	return page, nextCursor, hasMore, snapCursor, int64(len(entries)), nil
}

// Snapshot implements §4.4 "Compaction". A no-op when the journal has not
// advanced past the existing snapshot cursor.
func (e *Engine) Snapshot() (int64, int64, int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.CurrentState()
	if err != nil {
		return 0, 0, 0, err
	}
	if state.LedgerCursor <= state.SnapshotCursor {
		return state.SnapshotCursor, state.LedgerCursor, state.Memory.Version, nil
	}

	newSnapCursor := state.LedgerCursor
	snap := Snapshot{
		UID: vaultUID, SchemaVersion: currentSchemaVersion,
		Memory: state.Memory, SnapshotCursor: newSnapCursor,
		UpdatedAt: nowFunc().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	env, err := envelope.Encrypt(e.passphrase, envelope.InfoVault, snap, vaultAADFor(state.Memory))
	if err != nil {
		return 0, 0, 0, internalErr(err)
	}
	if err := e.store.WriteSnapshot(env); err != nil {
		return 0, 0, 0, internalErr(err)
	}
	return newSnapCursor, state.LedgerCursor, state.Memory.Version, nil
}

// VerifyLedger implements §4.4 "Integrity verification": a full read plus
// replay, discarding the resulting memory and returning only the count.
func (e *Engine) VerifyLedger() (int64, error) {
	state, err := e.CurrentState()
	if err != nil {
		return 0, err
	}
	return state.LedgerCursor, nil
}

// Rotate implements §4.4 "Passphrase rotation": every existing snapshot and
// journal entry is re-encrypted under newPassphrase into a staging
// directory, then the three live artifacts are swapped for the staged ones
// via backup-rename, matching the teacher's stage-then-swap approach to
// in-place config reloads. Any failure during the swap rolls the backups
// back into place, so a crash mid-rotation never leaves a live artifact
// encrypted under a passphrase the caller does not have.
func (e *Engine) Rotate(newPassphrase string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	dir := e.store.Dir()
	runID := uuid.NewString()
	stagingDir := filepath.Join(dir, ".rotate-"+runID)
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return internalErr(fmt.Errorf("creating staging dir: %w", err))
	}
	defer os.RemoveAll(stagingDir)

	staging := storage.New(stagingDir)

	oldSnapEnv, err := e.store.ReadSnapshot()
	if err != nil {
		return corruption("reading snapshot for rotation", err)
	}
	rawSnap, _, err := envelope.Decrypt(e.passphrase, envelope.InfoVault, oldSnapEnv)
	if err != nil {
		return corruption("decrypting snapshot for rotation", err)
	}
	var snap Snapshot
	if err := unmarshalStrict(rawSnap, &snap); err != nil {
		return corruption("parsing snapshot for rotation", err)
	}
	newSnapEnv, err := envelope.Encrypt(newPassphrase, envelope.InfoVault, snap, vaultAADFor(snap.Memory))
	if err != nil {
		return internalErr(fmt.Errorf("re-encrypting snapshot: %w", err))
	}
	if err := staging.WriteSnapshot(newSnapEnv); err != nil {
		return internalErr(fmt.Errorf("staging snapshot: %w", err))
	}

	oldJournalEnvs, err := e.store.ReadJournal()
	if err != nil {
		return corruption("reading journal for rotation", err)
	}
	if err := staging.TruncateJournal(); err != nil {
		return internalErr(fmt.Errorf("staging empty journal: %w", err))
	}
	for i, oldEnv := range oldJournalEnvs {
		raw, _, err := envelope.Decrypt(e.passphrase, envelope.InfoLedger, oldEnv)
		if err != nil {
			return corruption(fmt.Sprintf("decrypting journal entry %d for rotation", i+1), err)
		}
		var entry JournalEntry
		if err := unmarshalStrict(raw, &entry); err != nil {
			return corruption(fmt.Sprintf("parsing journal entry %d for rotation", i+1), err)
		}
		newEnv, err := envelope.Encrypt(newPassphrase, envelope.InfoLedger, entry, ledgerAADFor(entry.Cursor))
		if err != nil {
			return internalErr(fmt.Errorf("re-encrypting journal entry %d: %w", i+1, err))
		}
		if err := staging.AppendJournal(newEnv); err != nil {
			return internalErr(fmt.Errorf("staging journal entry %d: %w", i+1, err))
		}
	}

	oldMeta, err := e.store.ReadMeta()
	if err != nil {
		return corruption("reading meta for rotation", err)
	}
	newMeta := oldMeta
	newMeta.KDF = newSnapEnv.KDF
	newMeta.HKDFVault = envelope.HKDFParams{Name: "hkdf-sha256", Info: envelope.InfoVault}
	newMeta.HKDFLedger = envelope.HKDFParams{Name: "hkdf-sha256", Info: envelope.InfoLedger}
	newMeta.UpdatedAt = nowFunc().Format("2006-01-02T15:04:05.000Z07:00")
	if err := staging.WriteMeta(newMeta); err != nil {
		return internalErr(fmt.Errorf("staging meta: %w", err))
	}

	backupSuffix := ".bak." + runID
	vaultPath := filepath.Join(dir, storage.VaultFileName())
	journalPath := filepath.Join(dir, storage.JournalFileName())
	metaPath := filepath.Join(dir, storage.MetaFileName())
	vaultBak, journalBak, metaBak := vaultPath+backupSuffix, journalPath+backupSuffix, metaPath+backupSuffix

	rollback := func() {
		storage.RenameFile(vaultBak, vaultPath)
		storage.RenameFile(journalBak, journalPath)
		storage.RenameFile(metaBak, metaPath)
	}

	if err := storage.RenameFile(vaultPath, vaultBak); err != nil {
		return internalErr(fmt.Errorf("backing up snapshot: %w", err))
	}
	if err := storage.RenameFile(journalPath, journalBak); err != nil {
		rollback()
		return internalErr(fmt.Errorf("backing up journal: %w", err))
	}
	if err := storage.RenameFile(metaPath, metaBak); err != nil {
		rollback()
		return internalErr(fmt.Errorf("backing up meta: %w", err))
	}

	stagedVault := filepath.Join(stagingDir, storage.VaultFileName())
	stagedJournal := filepath.Join(stagingDir, storage.JournalFileName())
	stagedMeta := filepath.Join(stagingDir, storage.MetaFileName())

	if err := storage.RenameFile(stagedVault, vaultPath); err != nil {
		rollback()
		return internalErr(fmt.Errorf("swapping in snapshot: %w", err))
	}
	if err := storage.RenameFile(stagedJournal, journalPath); err != nil {
		rollback()
		return internalErr(fmt.Errorf("swapping in journal: %w", err))
	}
	if err := storage.RenameFile(stagedMeta, metaPath); err != nil {
		rollback()
		return internalErr(fmt.Errorf("swapping in meta: %w", err))
	}

	storage.RemoveFile(vaultBak)
	storage.RemoveFile(journalBak)
	storage.RemoveFile(metaBak)

	e.passphrase = newPassphrase
	return nil
}

func parseETag(s string) (int64, error) {
	var v int64
	n, err := fmt.Sscanf(s, "\"v%d\"", &v)
	if err != nil || n != 1 {
		return 0, badRequest("If-Match must be of the form %q", `"v{n}"`)
	}
	// Reject forms Sscanf accepts but ETag never produces: trailing input
	// after the closing quote (e.g. `"v1"x`) and non-canonical numbers
	// (e.g. `"v01"`, `"v+1"`).
	if ETag(v) != s {
		return 0, badRequest("If-Match must be of the form %q", `"v{n}"`)
	}
	return v, nil
}

// applyJSONPatch applies an RFC 6902 patch to a JSON document using
// evanphx/json-patch.
func applyJSONPatch(doc, patch []byte) ([]byte, error) {
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, fmt.Errorf("decoding patch: %w", err)
	}
	out, err := decoded.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("applying patch: %w", err)
	}
	return out, nil
}
