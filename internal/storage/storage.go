// Package storage provides the on-disk persistence layer (component C3) for
// LMV: atomic reads and writes of the encrypted vault snapshot, the
// append-only encrypted journal, and the plaintext metadata file. It mirrors
// the teacher's storage.Store shape (typed model + a Store wrapping the
// backing medium) but swaps a pgxpool connection for a plain data directory,
// and swaps batched SQL inserts for atomic temp-file-then-rename writes and
// fsync-before-close journal appends.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/lmv-io/lmv/internal/envelope"
)

const (
	vaultFileName = "vault.enc"
	journalFileName = "ledger.jsonl.enc"
	metaFileName  = "meta.json"

	dirPerm  = 0o700
	filePerm = 0o600
)

// Store wraps a single data directory holding the three artifacts owned
// exclusively by one running vault engine.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. It does not touch the filesystem; call
// EnsureExists to initialize a fresh data directory.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) vaultPath() string   { return filepath.Join(s.dir, vaultFileName) }
func (s *Store) journalPath() string { return filepath.Join(s.dir, journalFileName) }
func (s *Store) metaPath() string    { return filepath.Join(s.dir, metaFileName) }

// Meta is the non-secret KDF/HKDF/envelope description plus last-write time.
// It contains no key material.
type Meta struct {
	KDF       envelope.KDF        `json:"kdf"`
	HKDFVault envelope.HKDFParams `json:"hkdf_vault"`
	HKDFLedger envelope.HKDFParams `json:"hkdf_ledger"`
	AEADAlg   string              `json:"aead_alg"`
	UpdatedAt string              `json:"updated_at"`
}

// EnsureExists creates the data directory if absent, then rolls forward any
// rotation that crashed mid-swap (see recoverBackups), then initializes a
// fresh empty vault only if all three artifacts are genuinely absent.
// initialSnapshot is the caller-constructed envelope for an empty memory at
// cursor 0; initialMeta describes the KDF/HKDF/AEAD parameters used to
// produce it.
//
// If the directory holds some but not all of the three artifacts and no
// rotation backups are left to recover from, that is corruption, not a
// fresh directory — EnsureExists refuses to reinitialize over it, since
// doing so would silently discard whatever survived (§8 S6).
func (s *Store) EnsureExists(initialSnapshot *envelope.Envelope, initialMeta Meta) error {
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("storage: create data dir %q: %w", s.dir, err)
	}

	if err := s.recoverBackups(); err != nil {
		return fmt.Errorf("storage: recovering rotation backups: %w", err)
	}

	_, vaultErr := os.Stat(s.vaultPath())
	_, journalErr := os.Stat(s.journalPath())
	_, metaErr := os.Stat(s.metaPath())

	switch {
	case vaultErr == nil && journalErr == nil && metaErr == nil:
		return nil
	case os.IsNotExist(vaultErr) && os.IsNotExist(journalErr) && os.IsNotExist(metaErr):
		if err := s.WriteSnapshot(initialSnapshot); err != nil {
			return fmt.Errorf("storage: init snapshot: %w", err)
		}
		if err := s.TruncateJournal(); err != nil {
			return fmt.Errorf("storage: init journal: %w", err)
		}
		if err := s.WriteMeta(initialMeta); err != nil {
			return fmt.Errorf("storage: init meta: %w", err)
		}
		return nil
	default:
		return fmt.Errorf(
			"storage: data directory %q holds a partial artifact set (vault=%v journal=%v meta=%v) with no rotation backup to recover from; refusing to reinitialize over surviving state",
			s.dir, vaultErr, journalErr, metaErr)
	}
}

// recoverBackups rolls back an interrupted passphrase rotation. Rotate backs
// up all three live artifacts to "<name>.bak.<runID>" before swapping in the
// re-encrypted staged versions (§4.4 "Passphrase rotation"); a crash at any
// point after the backups are made but before they are removed leaves them
// on disk. On every startup, before anything else inspects the data
// directory, restore each artifact that still has a backup file by renaming
// the backup back over the live path — unconditionally, even if the live
// path already holds the new (partially swapped-in) content — so the
// directory always lands back in its single pre-rotation, internally
// consistent state rather than a mix of old and new encryption. Only one
// rotation ever runs against a directory at a time, so at most one backup
// per artifact should exist; recoverBackups takes the most recently modified
// match if more than one is somehow present.
func (s *Store) recoverBackups() error {
	for _, live := range []string{s.vaultPath(), s.journalPath(), s.metaPath()} {
		if err := recoverBackup(live); err != nil {
			return err
		}
	}
	return nil
}

func recoverBackup(livePath string) error {
	matches, err := filepath.Glob(livePath + ".bak.*")
	if err != nil {
		return fmt.Errorf("globbing backups for %q: %w", livePath, err)
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool {
		fi, erri := os.Stat(matches[i])
		fj, errj := os.Stat(matches[j])
		if erri != nil || errj != nil {
			return matches[i] < matches[j]
		}
		return fi.ModTime().Before(fj.ModTime())
	})
	latest := matches[len(matches)-1]
	if err := os.Rename(latest, livePath); err != nil {
		return fmt.Errorf("restoring backup %q over %q: %w", latest, livePath, err)
	}
	for _, stale := range matches[:len(matches)-1] {
		os.Remove(stale)
	}
	return nil
}

// ReadSnapshot reads and JSON-decodes vault.enc.
func (s *Store) ReadSnapshot() (*envelope.Envelope, error) {
	data, err := os.ReadFile(s.vaultPath())
	if err != nil {
		return nil, fmt.Errorf("storage: read snapshot: %w", err)
	}
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("storage: decode snapshot: %w", err)
	}
	return &env, nil
}

// WriteSnapshot atomically replaces vault.enc: write to a temp file in the
// same directory, fsync it, then rename over the target. The rename is
// atomic on POSIX filesystems, so readers never observe a partial file.
func (s *Store) WriteSnapshot(env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("storage: encode snapshot: %w", err)
	}
	return atomicReplace(s.vaultPath(), data)
}

// AppendJournal appends one envelope as a single LF-terminated JSON line to
// ledger.jsonl.enc, fsyncing before the file is closed so the write is
// durable before the caller reports success.
func (s *Store) AppendJournal(env *envelope.Envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("storage: encode journal entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.journalPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("storage: open journal for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("storage: write journal line: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("storage: fsync journal: %w", err)
	}
	return nil
}

// ReadJournal reads every line of ledger.jsonl.enc and decodes it as an
// envelope. If a line other than the last fails to decode, ReadJournal
// returns an error (the journal is not torn there; something else is
// wrong). If only the very last line fails to decode, it is discarded as a
// torn append and the journal is treated as ending at the previous line —
// this bounds blast radius to the single in-flight write that was
// interrupted by a crash.
func (s *Store) ReadJournal() ([]*envelope.Envelope, error) {
	f, err := os.Open(s.journalPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: open journal: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte{}, line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("storage: scan journal: %w", err)
	}

	envs := make([]*envelope.Envelope, 0, len(lines))
	for i, line := range lines {
		var env envelope.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			if i == len(lines)-1 {
				// Torn final append: discard and stop here.
				break
			}
			return nil, fmt.Errorf("storage: decode journal line %d: %w", i+1, err)
		}
		envs = append(envs, &env)
	}
	return envs, nil
}

// TruncateJournal replaces ledger.jsonl.enc with an empty file. Used at
// initialization and to start the staged journal during rotation; compaction
// never truncates the journal (the audit chain is
// retained indefinitely — see §3 Lifecycle).
func (s *Store) TruncateJournal() error {
	return atomicReplace(s.journalPath(), []byte{})
}

// ReadMeta reads and JSON-decodes meta.json.
func (s *Store) ReadMeta() (Meta, error) {
	data, err := os.ReadFile(s.metaPath())
	if err != nil {
		return Meta{}, fmt.Errorf("storage: read meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("storage: decode meta: %w", err)
	}
	return m, nil
}

// WriteMeta atomically replaces meta.json.
func (s *Store) WriteMeta(m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode meta: %w", err)
	}
	return atomicReplace(s.metaPath(), data)
}

// atomicReplace writes data to a temp file beside path, fsyncs it, then
// renames it over path. Both the write and the rename happen on the same
// filesystem so the rename is guaranteed atomic.
func atomicReplace(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		return fmt.Errorf("storage: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("storage: rename temp file into place: %w", err)
	}
	return nil
}

// RenameFile renames oldPath to newPath, used by the rotation procedure to
// move artifacts to/from backup names. Missing oldPath is not an error —
// rotation skips absent files.
func RenameFile(oldPath, newPath string) error {
	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		return nil
	}
	return os.Rename(oldPath, newPath)
}

// RemoveFile deletes path if present; absence is not an error.
func RemoveFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Dir returns the backing data directory.
func (s *Store) Dir() string { return s.dir }

// VaultFileName, JournalFileName, MetaFileName expose the fixed on-disk file
// names so the rotation procedure (which works across two Stores) can
// construct backup and staged paths without duplicating the literals.
func VaultFileName() string   { return vaultFileName }
func JournalFileName() string { return journalFileName }
func MetaFileName() string    { return metaFileName }
