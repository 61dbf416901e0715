package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmv-io/lmv/internal/vault"
)

// fakeEngine is an in-memory double satisfying the Engine interface, letting
// handler tests exercise the HTTP contract without a real data directory.
type fakeEngine struct {
	state      vault.State
	patchErr   error
	ledgerFn   func(since, limit int64) ([]vault.JournalEntry, int64, bool, int64, int64, error)
	snapshotFn func() (int64, int64, int64, error)
	lastAuth   string
}

func (f *fakeEngine) CurrentState() (vault.State, error) { return f.state, nil }

func (f *fakeEngine) PatchMemory(ifMatch string, patch []byte, actor, reason, auth string) (vault.State, int64, error) {
	f.lastAuth = auth
	if f.patchErr != nil {
		return vault.State{}, 0, f.patchErr
	}
	f.state.Memory.Version++
	f.state.LedgerCursor++
	return f.state, f.state.LedgerCursor, nil
}

func (f *fakeEngine) GetLedger(since, limit int64) ([]vault.JournalEntry, int64, bool, int64, int64, error) {
	if f.ledgerFn != nil {
		return f.ledgerFn(since, limit)
	}
	return nil, since, false, 0, 0, nil
}

func (f *fakeEngine) Snapshot() (int64, int64, int64, error) {
	if f.snapshotFn != nil {
		return f.snapshotFn()
	}
	return 0, 0, 0, nil
}

func newTestServer(engine Engine, writeToken string) (*Server, http.Handler) {
	s := NewServer(engine, writeToken)
	return s, NewRouter(s)
}

func TestHandleHealth(t *testing.T) {
	_, router := newTestServer(&fakeEngine{}, "")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestHandleGetMemory_ReturnsStateAndETag(t *testing.T) {
	eng := &fakeEngine{state: vault.State{
		Memory:         vault.Memory{Version: 2, Blocks: json.RawMessage(`{"identity":{}}`), UpdatedAt: "2026-01-01T00:00:00.000Z"},
		SnapshotCursor: 0, LedgerCursor: 2,
	}}
	_, router := newTestServer(eng, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/memory", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"v2"`, rec.Header().Get("ETag"))

	var body memoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(2), body.Memory.Version)
	assert.Equal(t, int64(2), body.LedgerCursor)
}

func TestHandlePatchMemory_MissingHeadersAreBadRequest(t *testing.T) {
	_, router := newTestServer(&fakeEngine{}, "")
	req := httptest.NewRequest(http.MethodPatch, "/v1/memory", bytes.NewReader([]byte(`[]`)))
	req.Header.Set("Content-Type", "application/json-patch+json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePatchMemory_Success(t *testing.T) {
	eng := &fakeEngine{state: vault.State{Memory: vault.Memory{Version: 0, Blocks: json.RawMessage(`{}`)}}}
	_, router := newTestServer(eng, "")

	body := `[{"op":"add","path":"/identity/name","value":"Alice"}]`
	req := httptest.NewRequest(http.MethodPatch, "/v1/memory", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json-patch+json")
	req.Header.Set("If-Match", `"v0"`)
	req.Header.Set("X-LMV-Actor", "user:ada")
	req.Header.Set("X-LMV-Reason", "testing")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "none", eng.lastAuth)

	var resp patchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.AppliedEntryCursor)
}

func TestHandlePatchMemory_ConflictIncludesCurrentETag(t *testing.T) {
	eng := &fakeEngine{patchErr: &vault.Error{Kind: vault.KindConflict, Message: "version mismatch", Current: `"v3"`}}
	_, router := newTestServer(eng, "")

	req := httptest.NewRequest(http.MethodPatch, "/v1/memory", bytes.NewReader([]byte(`[{"op":"add","path":"/identity/x","value":1}]`)))
	req.Header.Set("Content-Type", "application/json-patch+json")
	req.Header.Set("If-Match", `"v0"`)
	req.Header.Set("X-LMV-Actor", "user:ada")
	req.Header.Set("X-LMV-Reason", "testing")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, `"v3"`, rec.Header().Get("ETag"))

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, `v3`, body.CurrentETag)
}

func TestWriteGate_RejectsMissingAndWrongToken(t *testing.T) {
	eng := &fakeEngine{}
	_, router := newTestServer(eng, "testtoken")

	patchReq := func(authHeader string) *http.Request {
		req := httptest.NewRequest(http.MethodPatch, "/v1/memory", bytes.NewReader([]byte(`[{"op":"add","path":"/identity/x","value":1}]`)))
		req.Header.Set("Content-Type", "application/json-patch+json")
		req.Header.Set("If-Match", `"v0"`)
		req.Header.Set("X-LMV-Actor", "user:ada")
		req.Header.Set("X-LMV-Reason", "testing")
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		return req
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, patchReq(""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, patchReq("Bearer wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, patchReq("Bearer testtoken"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "token", eng.lastAuth)
}

func TestHandleGetLedger_ValidatesQueryParams(t *testing.T) {
	_, router := newTestServer(&fakeEngine{}, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ledger?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ledger?since=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ledger?since=0&limit=50", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlePostSnapshot_WriteGated(t *testing.T) {
	eng := &fakeEngine{snapshotFn: func() (int64, int64, int64, error) { return 5, 5, 5, nil }}
	_, router := newTestServer(eng, "testtoken")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/snapshot", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/snapshot", nil)
	req.Header.Set("Authorization", "Bearer testtoken")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body snapshotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(5), body.SnapshotCursor)
}
