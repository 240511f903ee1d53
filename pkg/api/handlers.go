package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/guardline-labs/secureop/pkg/contracts"
	"github.com/guardline-labs/secureop/pkg/engine"
	"github.com/guardline-labs/secureop/pkg/metatx"
	"github.com/guardline-labs/secureop/pkg/observability"
)

// Server exposes the protocol over HTTP.
type Server struct {
	eng    *engine.Engine
	meta   *metatx.Subsystem
	obs    *observability.Provider
	logger *slog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(eng *engine.Engine, meta *metatx.Subsystem, obs *observability.Provider) *Server {
	return &Server{
		eng:    eng,
		meta:   meta,
		obs:    obs,
		logger: slog.Default().With("component", "api"),
	}
}

// Handler builds the routed handler with auth and rate limiting applied.
func (s *Server) Handler(authSecret string, rl *RateLimiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/operations/request", s.handleRequest)
	mux.HandleFunc("POST /api/v1/operations/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/operations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/v1/operations/{id}", s.handleGetTransaction)
	mux.HandleFunc("GET /api/v1/operations", s.handleHistory)
	mux.HandleFunc("GET /api/v1/operation-types", s.handleOperationTypes)
	mux.HandleFunc("GET /api/v1/roles", s.handleRoles)
	mux.HandleFunc("GET /api/v1/roles/can-execute", s.handleCanExecute)
	mux.HandleFunc("POST /api/v1/metatx/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/v1/metatx/submit", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/audit", s.handleAudit)

	var h http.Handler = mux
	h = rl.Middleware(h)
	h = AuthMiddleware(authSecret)(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// caller resolves the acting address: the authenticated principal wins over
// the body-supplied one.
func caller(r *http.Request, fromBody string) contracts.Address {
	if addr, ok := Principal(r.Context()); ok {
		return contracts.Address(addr)
	}
	return contracts.Address(fromBody)
}

type requestOperationBody struct {
	Caller           string          `json:"caller,omitempty"`
	Operation        string          `json:"operation"`
	Target           string          `json:"target"`
	Value            uint64          `json:"value"`
	ExecutionOptions json.RawMessage `json:"execution_options,omitempty"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body requestOperationBody
	if !decodeBody(w, r, &body) {
		return
	}

	ctx, done := s.obs.TrackTransition(r.Context(), "request",
		attribute.String("secureop.operation", body.Operation))
	rec, err := s.eng.Request(ctx, caller(r, body.Caller), body.Operation,
		contracts.Address(body.Target), body.Value, body.ExecutionOptions)
	done(err)
	if err != nil {
		WriteProtocolError(w, err)
		return
	}
	s.obs.PendingDelta(ctx, 1)
	writeJSON(w, http.StatusCreated, rec)
}

type actorBody struct {
	Caller string `json:"caller,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	txID, ok := pathTxID(w, r)
	if !ok {
		return
	}
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}

	ctx, done := s.obs.TrackTransition(r.Context(), "approve",
		attribute.Int64("secureop.tx_id", int64(txID)))
	rec, err := s.eng.Approve(ctx, caller(r, body.Caller), txID)
	done(err)
	if err != nil {
		WriteProtocolError(w, err)
		return
	}
	s.obs.PendingDelta(ctx, -1)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	txID, ok := pathTxID(w, r)
	if !ok {
		return
	}
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}

	ctx, done := s.obs.TrackTransition(r.Context(), "cancel",
		attribute.Int64("secureop.tx_id", int64(txID)))
	rec, err := s.eng.Cancel(ctx, caller(r, body.Caller), txID)
	done(err)
	if err != nil {
		WriteProtocolError(w, err)
		return
	}
	s.obs.PendingDelta(ctx, -1)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txID, ok := pathTxID(w, r)
	if !ok {
		return
	}
	rec, err := s.eng.GetTransaction(r.Context(), txID)
	if err != nil {
		WriteProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}
	count, ok := queryInt(w, r, "count")
	if !ok {
		return
	}
	recs, err := s.eng.OperationHistory(r.Context(), offset, count)
	if err != nil {
		WriteProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"offset":  offset,
		"records": recs,
	})
}

func (s *Server) handleOperationTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Registry().SupportedOperationTypes())
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"roles":                  s.eng.Roles(),
		"guard":                  s.eng.Guard(),
		"delegated_call_enabled": s.eng.DelegatedCallEnabled(),
	})
}

func (s *Server) handleCanExecute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	allowed := s.eng.Validator().CanExecutePhase(
		q.Get("operation"),
		contracts.Phase(q.Get("phase")),
		contracts.Address(q.Get("caller")),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

type generateBody struct {
	New         *contracts.NewOperation `json:"new,omitempty"`
	TxID        uint64                  `json:"tx_id,omitempty"`
	IsApproval  bool                    `json:"is_approval,omitempty"`
	Deadline    time.Time               `json:"deadline"`
	MaxGasPrice uint64                  `json:"max_gas_price,omitempty"`
	Nonce       *uint64                 `json:"nonce,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateBody
	if !decodeBody(w, r, &body) {
		return
	}

	params := metatx.GenerateParams{
		Deadline:    body.Deadline,
		MaxGasPrice: body.MaxGasPrice,
		Nonce:       body.Nonce,
	}

	var (
		meta *contracts.MetaTransaction
		err  error
	)
	if body.New != nil {
		meta, err = s.meta.Builder().GenerateUnsignedForNew(r.Context(), *body.New, params)
	} else {
		meta, err = s.meta.Builder().GenerateUnsignedForExisting(r.Context(), body.TxID, body.IsApproval, params)
	}
	if err != nil {
		WriteProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

type submitBody struct {
	Caller   string                    `json:"caller,omitempty"`
	GasPrice uint64                    `json:"gas_price"`
	MetaTx   contracts.MetaTransaction `json:"meta_tx"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !decodeBody(w, r, &body) {
		return
	}

	from := caller(r, body.Caller)
	ctx, done := s.obs.TrackTransition(r.Context(), "metatx_submit",
		attribute.String("secureop.handler", string(body.MetaTx.Params.Handler)))

	var (
		rec *contracts.TxRecord
		err error
	)
	switch body.MetaTx.Params.Handler {
	case contracts.HandlerRequestAndApprove:
		rec, err = s.meta.SubmitRequestAndApprove(ctx, &body.MetaTx, from, body.GasPrice)
	case contracts.HandlerApproveExisting:
		rec, err = s.meta.SubmitApproval(ctx, &body.MetaTx, from, body.GasPrice)
	case contracts.HandlerCancelExisting:
		rec, err = s.meta.SubmitCancellation(ctx, &body.MetaTx, from, body.GasPrice)
	default:
		done(nil)
		WriteBadRequest(w, "unknown meta-transaction handler")
		return
	}
	done(err)
	if err != nil {
		WriteProtocolError(w, err)
		return
	}
	if rec.Status.Resolved() && body.MetaTx.Params.Handler != contracts.HandlerRequestAndApprove {
		s.obs.PendingDelta(ctx, -1)
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	log := s.eng.AuditLog()
	ok, detail := log.Verify()
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":      log.Entries(),
		"head":         log.Head(),
		"chain_valid":  ok,
		"chain_detail": detail,
	})
}

func pathTxID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	txID, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "invalid transaction id")
		return 0, false
	}
	return txID, true
}

// queryInt parses an optional integer query parameter. Absence means zero;
// a non-numeric value is rejected with 400.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		WriteBadRequest(w, "invalid "+name+" parameter")
		return 0, false
	}
	return n, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
