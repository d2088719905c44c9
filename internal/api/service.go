// Package api provides the HTTP handlers for ingesting settlement events and
// querying the derived ledger and marketplace.
//
// Writes go through the indexer's single processor; reads come from the store,
// which only ever holds fully committed events.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atmx/pod-ledger/internal/event"
	"github.com/atmx/pod-ledger/internal/indexer"
	"github.com/atmx/pod-ledger/internal/ledger"
	"github.com/atmx/pod-ledger/internal/model"
	"github.com/atmx/pod-ledger/internal/store"
)

// maxBatch bounds the number of envelopes accepted in one batch request.
const maxBatch = 1000

// Service serves the ingest and query endpoints.
type Service struct {
	store    store.Store
	proc     *indexer.Processor
	protocol string
}

// NewService creates a new API service.
func NewService(st store.Store, proc *indexer.Processor, protocol string) *Service {
	return &Service{
		store:    st,
		proc:     proc,
		protocol: protocol,
	}
}

// Routes mounts every endpoint under r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/events", s.IngestEvent)
	r.Post("/events/batch", s.IngestBatch)

	r.Get("/cursor", s.GetCursor)
	r.Get("/protocol", s.GetProtocol)
	r.Get("/marketplace", s.GetMarketplace)

	r.Get("/plots/{position}", s.GetPlot)
	r.Get("/accounts/{account}", s.GetField)
	r.Get("/accounts/{account}/plots", s.ListPlots)

	r.Get("/listings/{owner}/{position}", s.GetListing)
	r.Get("/listings/{owner}/{position}/history", s.GetListingHistory)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Get("/orders/{orderID}/history", s.GetOrderHistory)
	r.Get("/fills/{fillID}", s.GetFill)
	r.Get("/audit/{eventID}", s.GetAudit)
}

// BatchResponse is the JSON body returned from POST /events/batch.
type BatchResponse struct {
	Results []indexer.Result `json:"results"`
	Error   string           `json:"error,omitempty"`
}

// CursorResponse is the JSON body returned from GET /cursor.
type CursorResponse struct {
	model.Cursor
	Halted string `json:"halted,omitempty"`
}

// IngestEvent handles POST /api/v1/events
// Applies one envelope and returns the processor's result.
func (s *Service) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var env event.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.proc.Apply(r.Context(), env)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// IngestBatch handles POST /api/v1/events/batch
// Applies envelopes in order and stops at the first failure; results for the
// events applied before it are still returned.
func (s *Service) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var envs []event.Envelope
	if err := json.NewDecoder(r.Body).Decode(&envs); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(envs) > maxBatch {
		writeError(w, "batch exceeds "+strconv.Itoa(maxBatch)+" events", http.StatusBadRequest)
		return
	}

	resp := BatchResponse{Results: make([]indexer.Result, 0, len(envs))}
	for _, env := range envs {
		res, err := s.proc.Apply(r.Context(), env)
		if err != nil {
			resp.Error = err.Error()
			writeJSON(w, statusFor(err), resp)
			return
		}
		resp.Results = append(resp.Results, res)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCursor handles GET /api/v1/cursor
func (s *Service) GetCursor(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Cursor(r.Context())
	if err != nil {
		writeError(w, "failed to load cursor", http.StatusInternalServerError)
		return
	}
	resp := CursorResponse{Cursor: c}
	if err := s.proc.Halted(); err != nil {
		resp.Halted = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetProtocol handles GET /api/v1/protocol
// Returns the protocol-wide Field rollup.
func (s *Service) GetProtocol(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetField(r.Context(), s.protocol)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, model.Field{Account: s.protocol})
		return
	}
	if err != nil {
		writeError(w, "failed to load protocol field", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// GetMarketplace handles GET /api/v1/marketplace
func (s *Service) GetMarketplace(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarketplace(r.Context())
	if err != nil {
		writeError(w, "failed to load marketplace", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetPlot handles GET /api/v1/plots/{position}
func (s *Service) GetPlot(w http.ResponseWriter, r *http.Request) {
	pos, ok := intParam(w, r, "position")
	if !ok {
		return
	}
	p, err := s.store.GetPlot(r.Context(), pos)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetField handles GET /api/v1/accounts/{account}
func (s *Service) GetField(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetField(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// ListPlots handles GET /api/v1/accounts/{account}/plots?from=&to=
// Returns the account's unredeemed plots with position in [from, to).
func (s *Service) ListPlots(w http.ResponseWriter, r *http.Request) {
	from, to := int64(0), int64(1<<62)
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, "from must be an integer", http.StatusBadRequest)
			return
		}
		from = n
	}
	if v := q.Get("to"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, "to must be an integer", http.StatusBadRequest)
			return
		}
		to = n
	}
	if to < from {
		writeError(w, "to must not be below from", http.StatusBadRequest)
		return
	}

	plots, err := s.store.ListPlots(r.Context(), chi.URLParam(r, "account"), from, to)
	if err != nil {
		writeError(w, "failed to list plots", http.StatusInternalServerError)
		return
	}
	if plots == nil {
		plots = []model.Plot{}
	}
	writeJSON(w, http.StatusOK, plots)
}

// GetListing handles GET /api/v1/listings/{owner}/{position}
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	key, ok := listingKey(w, r)
	if !ok {
		return
	}
	l, err := s.store.GetListing(r.Context(), key)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// GetListingHistory handles GET /api/v1/listings/{owner}/{position}/history
// Returns the retired records at the key, oldest first.
func (s *Service) GetListingHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := listingKey(w, r)
	if !ok {
		return
	}
	hist, err := s.store.ListingHistory(r.Context(), key)
	if err != nil {
		writeError(w, "failed to load listing history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrder(r.Context(), model.OrderID(chi.URLParam(r, "orderID")))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetOrderHistory handles GET /api/v1/orders/{orderID}/history
func (s *Service) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.store.OrderHistory(r.Context(), model.OrderID(chi.URLParam(r, "orderID")))
	if err != nil {
		writeError(w, "failed to load order history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// GetFill handles GET /api/v1/fills/{fillID}
func (s *Service) GetFill(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "fillID"))
	if err != nil {
		writeError(w, "invalid fill id", http.StatusBadRequest)
		return
	}
	f, err := s.store.GetFill(r.Context(), id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// GetAudit handles GET /api/v1/audit/{eventID}
func (s *Service) GetAudit(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseEventID(chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	a, err := s.store.GetAudit(r.Context(), id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Helpers ---

// statusFor maps an error to the HTTP status it is reported with.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidEventID),
		errors.Is(err, model.ErrInvalidListingKey),
		errors.Is(err, event.ErrUnknownKind),
		errors.Is(err, event.ErrBadPayload):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, indexer.ErrHalted),
		errors.Is(err, ledger.ErrInvariant),
		errors.Is(err, store.ErrAlreadyApplied):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	n, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, name+" must be an integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func listingKey(w http.ResponseWriter, r *http.Request) (model.ListingKey, bool) {
	pos, ok := intParam(w, r, "position")
	if !ok {
		return model.ListingKey{}, false
	}
	return model.ListingKey{Owner: chi.URLParam(r, "owner"), Position: pos}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
