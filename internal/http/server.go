// Package http exposes the client API, the cluster-internal raft
// endpoint and Prometheus metrics over one chi router.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quorumkv/internal/engine"
	"quorumkv/pkg/command"
	"quorumkv/pkg/config"
	"quorumkv/pkg/kvstore"
	"quorumkv/pkg/raft"
	"quorumkv/pkg/types"
	"quorumkv/pkg/watch"
)

const contentTypeJSON = "application/json"

// iEngine is the engine surface the HTTP layer consumes.
type iEngine interface {
	Put(ctx context.Context, key string, value []byte, leaseID types.LeaseID) (types.Revision, error)
	Get(ctx context.Context, key string, opts engine.GetOptions) ([]kvstore.KeyValue, error)
	Delete(ctx context.Context, key string, prefix bool) (types.Revision, int, error)
	Txn(ctx context.Context, req command.TxnRequest) (engine.TxnResponse, error)

	LeaseGrant(ctx context.Context, ttl time.Duration) (types.LeaseID, time.Duration, error)
	LeaseRenew(ctx context.Context, id types.LeaseID) (time.Duration, error)
	LeaseRevoke(ctx context.Context, id types.LeaseID) error
	LeaseTTL(id types.LeaseID) (time.Duration, error)

	Watch(key string, prefix bool, startRev types.Revision) (*watch.Watcher, error)
	CancelWatch(w *watch.Watcher)

	Members() []engine.Member
	Status() engine.Status
	IsLeader() bool
	LeaderURL() string
	Rev() types.Revision
	StepMessage(m raft.Message)
}

// Server serves one node's API.
type Server struct {
	engine     iEngine
	httpServer *http.Server
	URL        string
	addr       string

	shutdownTimeout time.Duration
}

func NewServer(eng iEngine, cfg config.ServerConfig) *Server {
	port := strconv.Itoa(cfg.Port)
	s := &Server{
		engine:          eng,
		URL:             "http://localhost:" + port,
		addr:            ":" + port,
		shutdownTimeout: time.Duration(cfg.ShutdownTimeoutMs) * time.Millisecond,
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutMs) * time.Millisecond,
	}
	return s
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	slog.Info("HTTP server started", "addr", s.URL)
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Put("/kv", s.handlePut)
		r.Get("/kv", s.handleGet)
		r.Delete("/kv", s.handleDelete)
		r.Post("/txn", s.handleTxn)
		r.Get("/watch", s.handleWatch)

		r.Post("/lease/grant", s.handleLeaseGrant)
		r.Post("/lease/renew", s.handleLeaseRenew)
		r.Post("/lease/revoke", s.handleLeaseRevoke)
		r.Get("/lease", s.handleLeaseTTL)

		r.Get("/members", s.handleMembers)
		r.Get("/status", s.handleStatus)
	})

	r.Post("/internal/raft", s.handleRaft)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusServiceUnavailable {
		if leader := s.engine.LeaderURL(); leader != "" && leader != s.URL {
			w.Header().Set("Location", leader)
		}
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

// redirectLeader sends writes arriving at a follower to the leader, when
// one is known and it is not ourselves.
func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) bool {
	if s.engine.IsLeader() {
		return false
	}
	leader := s.engine.LeaderURL()
	if leader == "" || leader == s.URL {
		return false
	}
	leaderURL, err := url.JoinPath(leader, r.URL.Path)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse("failed to build leader URL"))
		return true
	}
	if r.URL.RawQuery != "" {
		leaderURL += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

/* - key-value - */

type putRequest struct {
	Key   string        `json:"key"`
	Value string        `json:"value"`
	Lease types.LeaseID `json:"lease,omitempty"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if s.redirectLeader(w, r) {
		return
	}

	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if req.Key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing key"))
		return
	}

	rev, err := s.engine.Put(r.Context(), req.Key, []byte(req.Value), req.Lease)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewRevisionResponse(rev))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing key"))
		return
	}

	opts := engine.GetOptions{
		Prefix:       q.Get("prefix") == "true",
		Linearizable: q.Get("serializable") != "true",
	}
	if raw := q.Get("rev"); raw != "" {
		rev, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid rev"))
			return
		}
		opts.AtRevision = types.Revision(rev)
	}

	// Linearizable reads must run on the leader.
	if opts.Linearizable && s.redirectLeader(w, r) {
		return
	}

	kvs, err := s.engine.Get(r.Context(), key, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, KVResponse{Status: StatusSuccess, Revision: s.engine.Rev(), KVs: kvs})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.redirectLeader(w, r) {
		return
	}

	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing key"))
		return
	}

	rev, deleted, err := s.engine.Delete(r.Context(), key, q.Get("prefix") == "true")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDeleteResponse(rev, deleted))
}

/* - transactions - */

func (s *Server) handleTxn(w http.ResponseWriter, r *http.Request) {
	if s.redirectLeader(w, r) {
		return
	}

	var req command.TxnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	resp, err := s.engine.Txn(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

/* - watches - */

// handleWatch streams events as newline-delimited JSON until the client
// disconnects or the watcher is closed.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing key"))
		return
	}

	var startRev types.Revision
	if raw := q.Get("rev"); raw != "" {
		rev, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid rev"))
			return
		}
		startRev = types.Revision(rev)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse("streaming unsupported"))
		return
	}

	watcher, err := s.engine.Watch(key, q.Get("prefix") == "true", startRev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer s.engine.CancelWatch(watcher)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-watcher.Events():
			if !open {
				if werr := watcher.Err(); werr != nil {
					_ = enc.Encode(NewErrorResponse(werr.Error()))
					flusher.Flush()
				}
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

/* - leases - */

type leaseGrantRequest struct {
	TTLSeconds int64 `json:"ttl"`
}

type leaseRequest struct {
	ID types.LeaseID `json:"id"`
}

func (s *Server) handleLeaseGrant(w http.ResponseWriter, r *http.Request) {
	if s.redirectLeader(w, r) {
		return
	}

	var req leaseGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if req.TTLSeconds <= 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("ttl must be positive"))
		return
	}

	id, ttl, err := s.engine.LeaseGrant(r.Context(), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, LeaseResponse{Status: StatusSuccess, ID: id, TTLSeconds: int64(ttl / time.Second)})
}

func (s *Server) handleLeaseRenew(w http.ResponseWriter, r *http.Request) {
	if s.redirectLeader(w, r) {
		return
	}

	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	ttl, err := s.engine.LeaseRenew(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, LeaseResponse{Status: StatusSuccess, ID: req.ID, TTLSeconds: int64(ttl / time.Second)})
}

func (s *Server) handleLeaseRevoke(w http.ResponseWriter, r *http.Request) {
	if s.redirectLeader(w, r) {
		return
	}

	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	if err := s.engine.LeaseRevoke(r.Context(), req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess})
}

func (s *Server) handleLeaseTTL(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid lease id"))
		return
	}

	ttl, err := s.engine.LeaseTTL(types.LeaseID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, LeaseResponse{Status: StatusSuccess, ID: types.LeaseID(id), TTLSeconds: int64(ttl / time.Second)})
}

/* - cluster - */

func (s *Server) handleMembers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Members())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	var msg raft.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	s.engine.StepMessage(msg)
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess})
}
