// Package httpapi exposes the collaborator surface over HTTP: record
// CRUD and queries, transactions, change replay, snapshot export and
// import, and sync peer status. UI layers talk to this surface only;
// the schema registry and sync channel stay internal.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/inkwell/inkstore/pkg/errmodel"
	"github.com/inkwell/inkstore/pkg/peer"
	"github.com/inkwell/inkstore/pkg/record"
	"github.com/inkwell/inkstore/pkg/snapshot"
	"github.com/inkwell/inkstore/pkg/store"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second

	// maxBodyBytes bounds record and snapshot uploads.
	maxBodyBytes = 32 << 20
)

// Server serves the store API on one listen address.
type Server struct {
	st         *store.Store
	sync       *peer.Peer
	httpServer *http.Server
	addr       string
}

// NewServer creates a server for st. The peer may be nil when the
// instance runs without a sync channel.
func NewServer(st *store.Store, p *peer.Peer, addr string) *Server {
	return &Server{st: st, sync: p, addr: addr}
}

// Router builds the handler tree, wrapped in otel HTTP spans.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/records", s.handleQuery)
		r.Put("/records", s.handlePut)
		r.Get("/records/{id}", s.handleGet)
		r.Delete("/records/{id}", s.handleDelete)
		r.Post("/transactions", s.handleTransaction)
		r.Get("/changes", s.handleChanges)
		r.Get("/snapshot", s.handleExport)
		r.Post("/snapshot", s.handleImport)
		r.Get("/sync/status", s.handleSyncStatus)
	})

	return otelhttp.NewHandler(r, "httpapi")
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "err", err)
		}
	}()
	slog.Info("http server started", "addr", s.addr)
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.st.Get(id)
	if !ok {
		errmodel.WriteHTTP(w, r, errmodel.Validation("not_found", "record not found", map[string]any{"id": id}))
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var rec record.Record
	if err := decodeBody(w, r, &rec); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_request", err.Error(), nil))
		return
	}
	cs, err := s.st.Update(r.Context(), func(tx *store.Tx) error {
		return tx.Put(rec)
	})
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"seq": cs.Seq})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cs, err := s.st.Update(r.Context(), func(tx *store.Tx) error {
		tx.Delete(id)
		return nil
	})
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"seq": cs.Seq})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	records := make([]record.Record, 0)
	for rec := range s.st.Query(scope) {
		records = append(records, rec)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// transactionRequest is a batch of puts and deletes committed as one
// atomic change.
type transactionRequest struct {
	Puts    []record.Record `json:"puts,omitempty"`
	Deletes []string        `json:"deletes,omitempty"`
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decodeBody(w, r, &req); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_request", err.Error(), nil))
		return
	}
	cs, err := s.st.Update(r.Context(), func(tx *store.Tx) error {
		for _, rec := range req.Puts {
			if err := tx.Put(rec); err != nil {
				return err
			}
		}
		for _, id := range req.Deletes {
			tx.Delete(id)
		}
		return nil
	})
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	since := uint64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			errmodel.WriteHTTP(w, r, errmodel.Validation("bad_request", "since must be an unsigned integer", nil))
			return
		}
		since = n
	}
	changes, covered := s.st.Changes(since)
	if changes == nil {
		changes = []record.ChangeSet{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"changes": changes, "covered": covered})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	snap, err := snapshot.Export(r.Context(), s.st, scope)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	data, err := snapshot.Encode(snap)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Warn("write snapshot", "err", err)
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_request", err.Error(), nil))
		return
	}
	snap, err := snapshot.Decode(raw)
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_request", err.Error(), nil))
		return
	}
	if err := snapshot.Import(r.Context(), s.st, snap); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": len(snap.Records)})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("not_found", "no sync peer attached", nil))
		return
	}
	s.writeJSON(w, http.StatusOK, s.sync.Status())
}

func scopeParam(r *http.Request) (record.Scope, error) {
	raw := r.URL.Query().Get("scope")
	if raw == "" {
		return record.ScopeAll, nil
	}
	scope := record.Scope(raw)
	if scope != record.ScopeAll && !scope.Storable() {
		return "", errmodel.Validation("bad_request", fmt.Sprintf("unknown scope %q", raw), nil)
	}
	return scope, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
