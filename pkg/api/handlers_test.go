package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardline-labs/secureop/pkg/contracts"
	"github.com/guardline-labs/secureop/pkg/crypto"
	"github.com/guardline-labs/secureop/pkg/engine"
	"github.com/guardline-labs/secureop/pkg/metatx"
	"github.com/guardline-labs/secureop/pkg/observability"
	"github.com/guardline-labs/secureop/pkg/registry"
	"github.com/guardline-labs/secureop/pkg/roles"
	"github.com/guardline-labs/secureop/pkg/store"
)

var (
	broadcaster = contracts.Address("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	recovery    = contracts.Address("0xcccccccccccccccccccccccccccccccccccccccc")
	vault       = contracts.Address("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
)

type fixture struct {
	srv    *Server
	signer *crypto.Ed25519Signer
	owner  contracts.Address
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	signer, err := crypto.NewEd25519Signer("owner-key")
	require.NoError(t, err)

	reg, err := registry.New(24*time.Hour, registry.DefaultDefinitions())
	require.NoError(t, err)

	f := &fixture{
		signer: signer,
		owner:  signer.Address(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	txs := store.NewMemoryStore()
	state := roles.NewState(contracts.RoleSet{
		Owner:       f.owner,
		Broadcaster: broadcaster,
		Recovery:    recovery,
	})
	eng := engine.New(txs, reg, state, nil).WithClock(clock)
	builder := metatx.NewBuilder(1, "vault-main", reg, txs, state)
	sub := metatx.NewSubsystem(builder, eng, txs).WithClock(clock)

	obs, err := observability.New(context.Background(), observability.DefaultConfig())
	require.NoError(t, err)

	f.srv = NewServer(eng, sub, obs)
	return f
}

func (f *fixture) handler() http.Handler {
	return f.srv.Handler("", nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) requestOperation(t *testing.T, h http.Handler) uint64 {
	t.Helper()
	rr := doJSON(t, h, http.MethodPost, "/api/v1/operations/request", map[string]any{
		"caller":    string(f.owner),
		"operation": contracts.OpWithdrawEth,
		"target":    string(vault),
		"value":     500,
		"execution_options": map[string]any{
			"recipient": "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
			"amount":    500,
		},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var rec contracts.TxRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	return rec.TxID
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	rr := doJSON(t, f.handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequestEndpoint(t *testing.T) {
	f := newFixture(t)
	h := f.handler()

	txID := f.requestOperation(t, h)
	assert.Equal(t, uint64(1), txID)

	rr := doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/v1/operations/%d", txID), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var rec contracts.TxRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, contracts.TxStatusPending, rec.Status)
}

func TestRequestEndpointRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/operations/request",
		bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	f.handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestApproveBeforeReleaseReturns412(t *testing.T) {
	f := newFixture(t)
	h := f.handler()
	txID := f.requestOperation(t, h)

	rr := doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/operations/%d/approve", txID),
		map[string]any{"caller": string(f.owner)})
	assert.Equal(t, http.StatusPreconditionFailed, rr.Code)
}

func TestApproveAfterReleaseSucceeds(t *testing.T) {
	f := newFixture(t)
	h := f.handler()
	txID := f.requestOperation(t, h)

	f.now = f.now.Add(24 * time.Hour)
	rr := doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/operations/%d/approve", txID),
		map[string]any{"caller": string(f.owner)})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var rec contracts.TxRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, contracts.TxStatusCompleted, rec.Status)
}

func TestApproveUnknownTransactionReturns404(t *testing.T) {
	f := newFixture(t)

	rr := doJSON(t, f.handler(), http.MethodPost, "/api/v1/operations/99/approve",
		map[string]any{"caller": string(f.owner)})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestApproveNonNumericIDReturns400(t *testing.T) {
	f := newFixture(t)

	rr := doJSON(t, f.handler(), http.MethodPost, "/api/v1/operations/abc/approve",
		map[string]any{"caller": string(f.owner)})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUnauthorizedCallerReturns403(t *testing.T) {
	f := newFixture(t)

	rr := doJSON(t, f.handler(), http.MethodPost, "/api/v1/operations/request", map[string]any{
		"caller":    string(broadcaster),
		"operation": contracts.OpWithdrawEth,
		"target":    string(vault),
		"value":     500,
		"execution_options": map[string]any{
			"recipient": "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
			"amount":    500,
		},
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestCancelInsideGuardWindowReturns409(t *testing.T) {
	f := newFixture(t)
	h := f.handler()
	txID := f.requestOperation(t, h)

	rr := doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/operations/%d/cancel", txID),
		map[string]any{"caller": string(f.owner)})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestOperationTypesEndpoint(t *testing.T) {
	f := newFixture(t)

	rr := doJSON(t, f.handler(), http.MethodGet, "/api/v1/operation-types", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var ops []contracts.OperationType
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ops))
	assert.Len(t, ops, 7)
}

func TestHistoryRejectsNonNumericPaging(t *testing.T) {
	f := newFixture(t)
	h := f.handler()

	rr := doJSON(t, h, http.MethodGet, "/api/v1/operations?count=abc", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	rr = doJSON(t, h, http.MethodGet, "/api/v1/operations?offset=1.5", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/api/v1/operations?offset=0&count=1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRolesEndpoint(t *testing.T) {
	f := newFixture(t)

	rr := doJSON(t, f.handler(), http.MethodGet, "/api/v1/roles", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Roles contracts.RoleSet `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, f.owner, body.Roles.Owner)
}

func TestCanExecuteEndpoint(t *testing.T) {
	f := newFixture(t)
	h := f.handler()

	rr := doJSON(t, h, http.MethodGet,
		"/api/v1/roles/can-execute?operation=WITHDRAW_ETH&phase=REQUEST&caller="+string(f.owner), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"allowed":true`)

	rr = doJSON(t, h, http.MethodGet,
		"/api/v1/roles/can-execute?operation=WITHDRAW_ETH&phase=REQUEST&caller="+string(broadcaster), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"allowed":false`)
}

func TestMetaTxGenerateSubmitRoundTrip(t *testing.T) {
	f := newFixture(t)
	h := f.handler()

	rr := doJSON(t, h, http.MethodPost, "/api/v1/metatx/generate", map[string]any{
		"new": contracts.NewOperation{
			OperationName:    contracts.OpGuardUpdate,
			Target:           vault,
			ExecutionOptions: []byte(`{"guard_address": "0x2222222222222222222222222222222222222222"}`),
		},
		"deadline": f.now.Add(time.Hour),
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var meta contracts.MetaTransaction
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &meta))
	require.NoError(t, metatx.Sign(&meta, f.signer))

	rr = doJSON(t, h, http.MethodPost, "/api/v1/metatx/submit", map[string]any{
		"caller":    string(broadcaster),
		"gas_price": 10,
		"meta_tx":   meta,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var rec contracts.TxRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, contracts.TxStatusCompleted, rec.Status)

	// Replay is refused with a conflict.
	rr = doJSON(t, h, http.MethodPost, "/api/v1/metatx/submit", map[string]any{
		"caller":    string(broadcaster),
		"gas_price": 10,
		"meta_tx":   meta,
	})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestSubmitUnknownHandlerReturns400(t *testing.T) {
	f := newFixture(t)

	rr := doJSON(t, f.handler(), http.MethodPost, "/api/v1/metatx/submit", map[string]any{
		"caller":    string(broadcaster),
		"gas_price": 10,
		"meta_tx": map[string]any{
			"params": map[string]any{"handler": "SOMETHING_ELSE"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAuditEndpoint(t *testing.T) {
	f := newFixture(t)
	h := f.handler()
	f.requestOperation(t, h)

	rr := doJSON(t, h, http.MethodGet, "/api/v1/audit", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		ChainValid bool `json:"chain_valid"`
		Entries    []json.RawMessage
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.ChainValid)
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t)
	const secret = "test-secret"
	h := f.srv.Handler(secret, nil)

	// Health stays public.
	rr := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	// Missing and malformed credentials are rejected.
	rr = doJSON(t, h, http.MethodGet, "/api/v1/roles", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/roles", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// A valid token's subject becomes the acting caller; the body field is
	// ignored.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   string(f.owner),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]any{
		"caller":    string(broadcaster),
		"operation": contracts.OpGuardUpdate,
		"target":    string(vault),
		"execution_options": map[string]any{
			"guard_address": "0x2222222222222222222222222222222222222222",
		},
	}))
	req = httptest.NewRequest(http.MethodPost, "/api/v1/operations/request", &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var rec contracts.TxRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, f.owner, rec.Requester)
}

func TestRateLimiter(t *testing.T) {
	f := newFixture(t)
	// 6 rpm means a burst of one request per actor.
	h := f.srv.Handler("", NewRateLimiter(6))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/roles", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	// A different actor has its own budget.
	other := httptest.NewRequest(http.MethodGet, "/api/v1/roles", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, other)
	assert.Equal(t, http.StatusOK, rr.Code)
}
