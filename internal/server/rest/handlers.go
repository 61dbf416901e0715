package rest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lmv-io/lmv/internal/vault"
)

const (
	defaultLedgerLimit = 100
	maxPatchBodyBytes   = 1 << 20 // 1 MiB; a hand-authored blocks patch never approaches this.
)

// handleHealth answers the unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleGetMemory answers §6 "GET /v1/memory".
func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	state, err := s.Engine.CurrentState()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.Header().Set("ETag", vault.ETag(state.Memory.Version))
	writeJSON(w, http.StatusOK, memoryResponse{
		Memory:         toMemoryView(state.Memory),
		SnapshotCursor: state.SnapshotCursor,
		LedgerCursor:   state.LedgerCursor,
	})
}

// handlePatchMemory answers §6 "PATCH /v1/memory". Its header/content-type
// validation happens here; the write gate has already run as middleware.
func (s *Server) handlePatchMemory(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "application/json-patch+json" {
		s.writeError(w, vault.KindBadRequest, "Content-Type must be application/json-patch+json", "")
		return
	}
	ifMatch := r.Header.Get("If-Match")
	if ifMatch == "" {
		s.writeError(w, vault.KindBadRequest, "If-Match header is required", "")
		return
	}
	actor := r.Header.Get("X-LMV-Actor")
	if actor == "" {
		s.writeError(w, vault.KindBadRequest, "X-LMV-Actor header is required", "")
		return
	}
	reason := r.Header.Get("X-LMV-Reason")
	if reason == "" {
		s.writeError(w, vault.KindBadRequest, "X-LMV-Reason header is required", "")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPatchBodyBytes+1))
	if err != nil {
		s.writeError(w, vault.KindBadRequest, "could not read request body", "")
		return
	}
	if len(body) > maxPatchBodyBytes {
		s.writeError(w, vault.KindBadRequest, "request body too large", "")
		return
	}

	auth := authKindFromContext(r.Context())
	state, cursor, err := s.Engine.PatchMemory(ifMatch, body, actor, reason, auth)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	w.Header().Set("ETag", vault.ETag(state.Memory.Version))
	writeJSON(w, http.StatusOK, patchResponse{
		memoryResponse: memoryResponse{
			Memory:         toMemoryView(state.Memory),
			SnapshotCursor: state.SnapshotCursor,
			LedgerCursor:   state.LedgerCursor,
		},
		AppliedEntryCursor: cursor,
	})
}

// handleGetLedger answers §6 "GET /v1/ledger".
func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since := int64(0)
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, vault.KindBadRequest, "since must be a non-negative integer", "")
			return
		}
		since = n
	}

	limit := int64(defaultLedgerLimit)
	if v := q.Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, vault.KindBadRequest, "limit must be an integer between 1 and 500", "")
			return
		}
		limit = n
	}

	entries, next, hasMore, snapCursor, ledgerCursor, err := s.Engine.GetLedger(since, limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	views := make([]ledgerEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, ledgerEntryView{
			Cursor: e.Cursor, Ts: e.Ts, Actor: e.Actor,
			BaseVersion: e.BaseVersion, NewVersion: e.NewVersion,
			Reason: e.Reason, Auth: e.Auth, Patch: e.Patch,
			PrevHash: e.PrevHash, EntryHash: e.EntryHash,
		})
	}

	writeJSON(w, http.StatusOK, ledgerResponse{
		Entries: views, NextCursor: next, HasMore: hasMore,
		SnapshotCursor: snapCursor, LedgerCursor: ledgerCursor,
	})
}

// handlePostSnapshot answers §6 "POST /v1/snapshot".
func (s *Server) handlePostSnapshot(w http.ResponseWriter, r *http.Request) {
	snapCursor, ledgerCursor, version, err := s.Engine.Snapshot()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{
		SnapshotCursor: snapCursor, LedgerCursor: ledgerCursor, MemoryVersion: version,
	})
}

// writeEngineError maps a *vault.Error (or an unexpected error) onto the §7
// status taxonomy, logging corruption/internal failures with full context
// and returning only generic messages for them.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *vault.Error
	if !errors.As(err, &verr) {
		slog.ErrorContext(r.Context(), "unmapped engine error", slog.Any("error", err))
		s.writeError(w, vault.KindInternal, "internal error", "")
		return
	}

	switch verr.Kind {
	case vault.KindConflict:
		w.Header().Set("ETag", verr.Current)
		s.writeError(w, verr.Kind, verr.Message, vault.BareETag(verr.Current))
	case vault.KindCorruption, vault.KindInternal:
		slog.ErrorContext(r.Context(), "vault operation failed",
			slog.String("kind", verr.Kind.String()), slog.Any("error", verr.Err))
		s.writeError(w, verr.Kind, "internal error", "")
	default:
		s.writeError(w, verr.Kind, verr.Message, "")
	}
}

func (s *Server) writeError(w http.ResponseWriter, kind vault.Kind, message, currentETag string) {
	writeJSON(w, statusForKind(kind), errorBody{
		Error:       errorDetail{Kind: kind.String(), Message: message},
		CurrentETag: currentETag,
	})
}

func statusForKind(kind vault.Kind) int {
	switch kind {
	case vault.KindBadRequest:
		return http.StatusBadRequest
	case vault.KindUnauthorized:
		return http.StatusUnauthorized
	case vault.KindConflict:
		return http.StatusConflict
	case vault.KindPatchApply:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
