// Package transport implements the net/http surface described in §6: the
// five KV routes, split across a public port (reads, and writes only on a
// primary) and a replication port (writes only, accepted from replicas'
// own Engine write path).
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/costdin/kvs/storage"
)

// Server wires an *storage.Engine to a set of net/http routes. The same
// Server type builds both the public and the replication listener; which
// routes it registers depends on whether PublicMux or ReplicationMux is
// called.
type Server struct {
	engine *storage.Engine
	log    *zap.Logger

	counters routeCounters
}

// routeCounters mirrors the original implementation's per-route
// AtomicUsize counters (threaded through every routes.rs handler), exposed
// read-side here via /debug/stats (§9 "Request counters").
type routeCounters struct {
	get       atomic.Int64
	put       atomic.Int64
	delete    atomic.Int64
	bulkPut   atomic.Int64
	rangeScan atomic.Int64
}

// NewServer constructs a Server over engine. log may be nil.
func NewServer(engine *storage.Engine, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{engine: engine, log: log}
}

// PublicMux returns the handler for the public port. On a primary this
// serves all five KV routes; on a replica it serves only the two read
// routes and refuses the three write verbs with 405 (§6 "replicas reject
// writes on their public port").
func (s *Server) PublicMux(isReplica bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /kv/{key}", s.handleGet)
	mux.HandleFunc("GET /bulk/range", s.handleRange)
	mux.HandleFunc("GET /debug/stats", s.handleStats)

	if isReplica {
		mux.HandleFunc("POST /kv/{key}", s.handleWriteOnReplica)
		mux.HandleFunc("DELETE /kv/{key}", s.handleWriteOnReplica)
		mux.HandleFunc("POST /bulk", s.handleWriteOnReplica)
	} else {
		mux.HandleFunc("POST /kv/{key}", s.handlePut)
		mux.HandleFunc("DELETE /kv/{key}", s.handleDelete)
		mux.HandleFunc("POST /bulk", s.handleBulkPut)
	}
	return mux
}

// ReplicationMux returns the handler for the replication port: the write
// subset only, applied through the same Engine write path a client write
// would use (§6, §4.7 "Replicas apply intents through their own Engine
// write path on the replication port").
func (s *Server) ReplicationMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /kv/{key}", s.handlePut)
	mux.HandleFunc("DELETE /kv/{key}", s.handleDelete)
	mux.HandleFunc("POST /bulk", s.handleBulkPut)
	return mux
}

// handleWriteOnReplica rejects a write attempted against a replica's public
// port, routed through the same *storage.Error/writeError mapping every
// other handler uses rather than a bare http.Error (§6, §7 "write_on_replica").
func (s *Server) handleWriteOnReplica(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r.PathValue("key"), &storage.Error{Kind: storage.KindWriteOnReplica})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.counters.get.Add(1)
	key := r.PathValue("key")

	value, err := s.engine.Get(key)
	if err != nil {
		s.writeError(w, key, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	s.counters.put.Add(1)
	key := r.PathValue("key")

	body, err := io.ReadAll(io.LimitReader(r.Body, storage.MaxValueBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusInternalServerError)
		return
	}
	if len(body) > storage.MaxValueBytes {
		http.Error(w, "value too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := s.engine.Put(key, body); err != nil {
		s.writeError(w, key, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.counters.delete.Add(1)
	key := r.PathValue("key")

	existed, err := s.engine.Delete(key)
	if err != nil {
		s.writeError(w, key, err)
		return
	}
	if !existed {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBulkPut(w http.ResponseWriter, r *http.Request) {
	s.counters.bulkPut.Add(1)

	var pairs map[string]string
	if err := json.NewDecoder(r.Body).Decode(&pairs); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	asBytes := make(map[string][]byte, len(pairs))
	for k, v := range pairs {
		asBytes[k] = []byte(v)
	}

	if _, err := s.engine.BulkPut(asBytes); err != nil {
		s.writeError(w, "", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	s.counters.rangeScan.Add(1)

	start := r.URL.Query().Get("start_key")
	end := r.URL.Query().Get("end_key")

	rows, err := s.engine.Range(start, end, 0)
	if err != nil {
		s.writeError(w, "", err)
		return
	}

	out := make(map[string]string, len(rows))
	for _, kv := range rows {
		out[kv.Key] = string(kv.Value)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]int64{
		"get":        s.counters.get.Load(),
		"put":        s.counters.put.Load(),
		"delete":     s.counters.delete.Load(),
		"bulk_put":   s.counters.bulkPut.Load(),
		"range_scan": s.counters.rangeScan.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// writeError maps a *storage.Error to its documented HTTP status (§7).
func (s *Server) writeError(w http.ResponseWriter, key string, err error) {
	var se *storage.Error
	if !errors.As(err, &se) {
		s.log.Error("unmapped error", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch se.Kind {
	case storage.KindInvalidKey:
		http.Error(w, "invalid key", http.StatusBadRequest)
	case storage.KindValueTooLarge:
		http.Error(w, "value too large", http.StatusRequestEntityTooLarge)
	case storage.KindNotFound:
		http.Error(w, "not found", http.StatusNotFound)
	case storage.KindOverloaded:
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	case storage.KindWriteOnReplica:
		http.Error(w, "writes are not accepted on the replica's public port", http.StatusMethodNotAllowed)
	case storage.KindIO, storage.KindPoisoned:
		s.log.Error("storage error", zap.String("key", key), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

