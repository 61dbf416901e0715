// Package rest is the request surface (component C5): it maps HTTP requests
// onto vault engine operations, enforces the write gate and the header/query
// contract of §6, and translates the error taxonomy of §7 into status codes.
// It follows the teacher's rest.Server/rest.NewRouter split — a thin Server
// holding the dependency, a router function wiring chi middleware and
// routes — generalized from a Postgres-backed alert API to the vault engine.
package rest

import (
	"encoding/json"

	"github.com/lmv-io/lmv/internal/vault"
)

// Engine is the subset of *vault.Engine the request surface depends on. It
// exists so handler tests can substitute a fake without standing up a real
// data directory.
type Engine interface {
	CurrentState() (vault.State, error)
	PatchMemory(ifMatch string, patch []byte, actor, reason, auth string) (vault.State, int64, error)
	GetLedger(since, limit int64) (entries []vault.JournalEntry, nextCursor int64, hasMore bool, snapshotCursor, ledgerCursor int64, err error)
	Snapshot() (snapshotCursor, ledgerCursor, memoryVersion int64, err error)
}

// Server holds the dependencies every handler needs.
type Server struct {
	Engine     Engine
	WriteToken string
}

// NewServer constructs a Server. writeToken is empty when the write gate is
// disabled (development mode).
func NewServer(engine Engine, writeToken string) *Server {
	return &Server{Engine: engine, WriteToken: writeToken}
}

// memoryView is the wire shape of Memory within every response that embeds
// it — identical to vault.Memory's JSON tags, but declared locally so the
// HTTP contract doesn't shift silently if the engine's internal struct tags
// ever do.
type memoryView struct {
	Version   int64           `json:"version"`
	Blocks    json.RawMessage `json:"blocks"`
	UpdatedAt string          `json:"updated_at"`
}

func toMemoryView(m vault.Memory) memoryView {
	return memoryView{Version: m.Version, Blocks: m.Blocks, UpdatedAt: m.UpdatedAt}
}

type memoryResponse struct {
	Memory         memoryView `json:"memory"`
	SnapshotCursor int64      `json:"snapshot_cursor"`
	LedgerCursor   int64      `json:"ledger_cursor"`
}

type patchResponse struct {
	memoryResponse
	AppliedEntryCursor int64 `json:"applied_entry_cursor"`
}

type ledgerEntryView struct {
	Cursor      int64           `json:"cursor"`
	Ts          string          `json:"ts"`
	Actor       string          `json:"actor"`
	BaseVersion int64           `json:"base_version"`
	NewVersion  int64           `json:"new_version"`
	Reason      string          `json:"reason"`
	Auth        string          `json:"auth,omitempty"`
	Patch       json.RawMessage `json:"patch"`
	PrevHash    string          `json:"prev_hash"`
	EntryHash   string          `json:"entry_hash"`
}

type ledgerResponse struct {
	Entries        []ledgerEntryView `json:"entries"`
	NextCursor     int64             `json:"next_cursor"`
	HasMore        bool              `json:"has_more"`
	SnapshotCursor int64             `json:"snapshot_cursor"`
	LedgerCursor   int64             `json:"ledger_cursor"`
}

type snapshotResponse struct {
	SnapshotCursor int64 `json:"snapshot_cursor"`
	LedgerCursor   int64 `json:"ledger_cursor"`
	MemoryVersion  int64 `json:"memory_version"`
}

type errorBody struct {
	Error       errorDetail `json:"error"`
	CurrentETag string      `json:"current_etag,omitempty"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
