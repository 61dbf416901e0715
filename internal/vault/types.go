package vault

import (
	"encoding/json"
	"fmt"
	"strings"
)

// reservedBlockKeys are the four top-level keys every Memory must carry.
var reservedBlockKeys = []string{"identity", "methodology", "projects", "rules"}

// Memory is the shared document LMV protects: a monotonically increasing
// version, the blocks object (four reserved keys plus arbitrary extras), and
// the UTC RFC-3339 timestamp of the last mutation.
type Memory struct {
	Version   int64           `json:"version"`
	Blocks    json.RawMessage `json:"blocks"`
	UpdatedAt string          `json:"updated_at"`
}

// emptyMemory returns the version-0 initial memory with empty reserved
// blocks, per §3 "Initial memory".
func emptyMemory() Memory {
	return Memory{
		Version:   0,
		Blocks:    json.RawMessage(`{"identity":{},"methodology":{},"projects":{},"rules":{}}`),
		UpdatedAt: "",
	}
}

// Snapshot is the plaintext payload encrypted into vault.enc.
type Snapshot struct {
	UID            string `json:"uid"`
	SchemaVersion  int    `json:"schema_version"`
	Memory         Memory `json:"memory"`
	SnapshotCursor int64  `json:"snapshot_cursor"`
	UpdatedAt      string `json:"updated_at"`
}

const (
	vaultUID           = "lmv-v1"
	currentSchemaVersion = 1
)

// JournalEntry is the plaintext payload encrypted into one journal line.
type JournalEntry struct {
	Cursor      int64           `json:"cursor"`
	Ts          string          `json:"ts"`
	Actor       string          `json:"actor"`
	BaseVersion int64           `json:"base_version"`
	NewVersion  int64           `json:"new_version"`
	Reason      string          `json:"reason"`
	Auth        string          `json:"auth,omitempty"`
	Patch       json.RawMessage `json:"patch"`
	PrevHash    string          `json:"prev_hash"`
	EntryHash   string          `json:"entry_hash,omitempty"`
}

// hashableForm is the JournalEntry with entry_hash omitted, the exact
// shape that is canonicalized and hashed to produce entry_hash (§3, §4.1).
type hashableForm struct {
	Cursor      int64           `json:"cursor"`
	Ts          string          `json:"ts"`
	Actor       string          `json:"actor"`
	BaseVersion int64           `json:"base_version"`
	NewVersion  int64           `json:"new_version"`
	Reason      string          `json:"reason"`
	Auth        string          `json:"auth,omitempty"`
	Patch       json.RawMessage `json:"patch"`
	PrevHash    string          `json:"prev_hash"`
}

func (e JournalEntry) hashable() hashableForm {
	return hashableForm{
		Cursor: e.Cursor, Ts: e.Ts, Actor: e.Actor,
		BaseVersion: e.BaseVersion, NewVersion: e.NewVersion,
		Reason: e.Reason, Auth: e.Auth, Patch: e.Patch, PrevHash: e.PrevHash,
	}
}

// vaultAAD is the AAD context bound to a snapshot envelope.
type vaultAAD struct {
	RecordType    string `json:"record_type"`
	UID           string `json:"uid"`
	SchemaVersion int    `json:"schema_version"`
	VaultVersion  int64  `json:"vault_version"`
}

// ledgerAAD is the AAD context bound to a journal entry envelope.
type ledgerAAD struct {
	RecordType  string `json:"record_type"`
	UID         string `json:"uid"`
	SchemaVersion int  `json:"schema_version"`
	EntryCursor int64  `json:"entry_cursor"`
}

func vaultAADFor(m Memory) vaultAAD {
	return vaultAAD{RecordType: "vault", UID: vaultUID, SchemaVersion: currentSchemaVersion, VaultVersion: m.Version}
}

func ledgerAADFor(cursor int64) ledgerAAD {
	return ledgerAAD{RecordType: "ledger_entry", UID: vaultUID, SchemaVersion: currentSchemaVersion, EntryCursor: cursor}
}

// State is the assembled view returned by CurrentState: replayed memory plus
// the two cursors a caller needs to reason about freshness.
type State struct {
	Memory         Memory
	SnapshotCursor int64
	LedgerCursor   int64
}

// ETag formats v as the wire ETag string: `"v<decimal>"`, double quotes
// included, per §6.
func ETag(version int64) string {
	return fmt.Sprintf("\"v%d\"", version)
}

// BareETag strips the surrounding double quotes from an ETag produced by
// ETag, yielding the `v<decimal>` form §8 S3 requires inside a response
// body's current_etag field (the header keeps the quoted form).
func BareETag(etag string) string {
	return strings.Trim(etag, "\"")
}
