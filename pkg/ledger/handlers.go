package ledger

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/REVIVEINC6/nino360-sub015/pkg/httputil"
	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// Authorization objects guarded by the compliance API
const (
	ObjectEntries     = "ledger.entries"
	ObjectDeadLetters = "ledger.dead_letters"
	ActionRead        = "read"
	ActionWrite       = "write"
)

const maxListLimit = 1000

// Handlers exposes chain verification and read access over HTTP
type Handlers struct {
	store       Store
	verifier    *Verifier
	deadLetters DeadLetterQueue
}

// NewHandlers creates ledger handlers
func NewHandlers(store Store, verifier *Verifier) *Handlers {
	return &Handlers{store: store, verifier: verifier}
}

// WithDeadLetters enables the dead-letter inspection and redrive routes
func (h *Handlers) WithDeadLetters(q DeadLetterQueue) *Handlers {
	h.deadLetters = q
	return h
}

// RegisterRoutes registers the ledger routes on router, wrapping each with guard
func (h *Handlers) RegisterRoutes(router *mux.Router, guard httputil.Guard) {
	router.Handle("/tenants/{tenant}/ledger/verify", guard.Wrap(ObjectEntries, ActionRead, h.Verify)).Methods("GET")
	router.Handle("/tenants/{tenant}/ledger/entries", guard.Wrap(ObjectEntries, ActionRead, h.ListEntries)).Methods("GET")
	router.Handle("/tenants/{tenant}/ledger/entries/{seq}", guard.Wrap(ObjectEntries, ActionRead, h.GetEntry)).Methods("GET")
	router.Handle("/tenants/{tenant}/ledger/export", guard.Wrap(ObjectEntries, ActionRead, h.Export)).Methods("GET")

	if h.deadLetters == nil {
		return
	}
	router.Handle("/tenants/{tenant}/ledger/dead-letters", guard.Wrap(ObjectDeadLetters, ActionRead, h.ListDeadLetters)).Methods("GET")
	router.Handle("/tenants/{tenant}/ledger/dead-letters/redrive", guard.Wrap(ObjectDeadLetters, ActionWrite, h.RedriveDeadLetters)).Methods("POST")
}

// Verify checks the tenant chain, optionally restricted to ?from=&to=.
// A finding is still a 200; callers inspect ok and kind.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	from, ok := httputil.ParseQueryInt64OrError(w, r, "from", 1)
	if !ok {
		return
	}
	to, ok := httputil.ParseQueryInt64OrError(w, r, "to", 0)
	if !ok {
		return
	}

	report, err := h.verifier.Verify(r.Context(), tenantID, from, to)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, report)
}

// ListEntriesResponse is the body of GET /tenants/{tenant}/ledger/entries
type ListEntriesResponse struct {
	Entries []*Entry `json:"entries"`
	Count   int      `json:"count"`
	NextSeq int64    `json:"next_seq,omitempty"`
}

// ListEntries pages through the chain with ?from= and ?limit=
func (h *Handlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	from, ok := httputil.ParseQueryInt64OrError(w, r, "from", 1)
	if !ok {
		return
	}
	limit, ok := httputil.ParseQueryInt64OrError(w, r, "limit", 100)
	if !ok {
		return
	}
	if limit <= 0 || limit > maxListLimit {
		httputil.WriteBadRequest(w, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
		return
	}

	entries, err := h.store.Range(r.Context(), tenantID, from, 0, int(limit))
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}

	resp := ListEntriesResponse{Entries: entries, Count: len(entries)}
	if len(entries) == int(limit) {
		resp.NextSeq = entries[len(entries)-1].Seq + 1
	}
	httputil.WriteSuccess(w, resp)
}

// GetEntry returns the entry at {seq}
func (h *Handlers) GetEntry(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	seq, ok := httputil.ParsePathInt64OrError(w, r, "seq")
	if !ok {
		return
	}

	entry, err := h.store.Get(r.Context(), tenantID, seq)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFoundError(w, fmt.Sprintf("entry %d not found", seq))
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, entry)
}

// Export streams the chain in ?format=json|ndjson|csv, optionally bounded by ?from=&to=
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := mux.Vars(r)["tenant"]

	format, err := ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	from, ok := httputil.ParseQueryInt64OrError(w, r, "from", 1)
	if !ok {
		return
	}
	to, ok := httputil.ParseQueryInt64OrError(w, r, "to", 0)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s-ledger.%s", tenantID, format)))
	w.WriteHeader(http.StatusOK)

	n, err := Export(ctx, h.store, w, tenantID, from, to, format, 0)
	if err != nil {
		// Headers are gone; all that is left is to log the truncated export.
		observability.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"tenant_id": tenantID,
			"written":   n,
		}).Error("ledger export aborted")
	}
}

// DeadLettersResponse is the body of GET /tenants/{tenant}/ledger/dead-letters
type DeadLettersResponse struct {
	Messages []Message `json:"messages"`
	Count    int       `json:"count"`
}

// ListDeadLetters returns the tenant's parked audit requests, newest first, up to ?limit=
func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	limit, ok := httputil.ParseQueryInt64OrError(w, r, "limit", 100)
	if !ok {
		return
	}
	if limit <= 0 || limit > maxListLimit {
		httputil.WriteBadRequest(w, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
		return
	}

	msgs, err := h.deadLetters.DeadLetters(r.Context(), tenantID, limit)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	httputil.WriteSuccess(w, DeadLettersResponse{Messages: msgs, Count: len(msgs)})
}

// RedriveResponse is the body of POST /tenants/{tenant}/ledger/dead-letters/redrive
type RedriveResponse struct {
	Redriven int `json:"redriven"`
}

// RedriveDeadLetters moves the tenant's parked audit requests back onto the queue
func (h *Handlers) RedriveDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := mux.Vars(r)["tenant"]

	n, err := h.deadLetters.Redrive(ctx, tenantID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"redriven":  n,
	}).Info("audit dead letters redriven")
	httputil.WriteSuccess(w, RedriveResponse{Redriven: n})
}
