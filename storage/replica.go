package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WriteIntent is one forwarded mutation, carried from the primary's write
// path to every configured replica (§4.7).
type WriteIntent struct {
	ID    uuid.UUID
	Op    Op
	Key   string
	Value []byte
}

// ReplicaStats is the per-replica counters exposed by ReplicaLink.Stats,
// grounded in the original implementation's decision to count (not retry)
// dropped forwards (§9 "Replica fan-out").
type ReplicaStats struct {
	Sent    int64
	Failed  int64
	Dropped int64
}

// intentHeader is the HTTP header carrying a write intent's UUID, purely
// for operational tracing between a primary's forwarding attempt and a
// replica's received-write log line (§4.7 expansion).
const intentHeader = "X-KV-Intent-Id"

// defaultReplicaQueueSize is the bounded channel capacity per replica
// worker when the caller does not override it (§4.7 expansion).
const defaultReplicaQueueSize = 256

type replicaWorker struct {
	url    string
	ch     chan WriteIntent
	client *http.Client
	log    *zap.Logger

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

func newReplicaWorker(url string, queueSize int, client *http.Client, log *zap.Logger) *replicaWorker {
	w := &replicaWorker{
		url:    strings.TrimRight(url, "/"),
		ch:     make(chan WriteIntent, queueSize),
		client: client,
		log:    log,
	}
	go w.run()
	return w
}

// run drains the worker's queue and forwards each intent in order,
// preserving per-replica submission order (§4.7, §5 "Replica intents for a
// single replica are delivered in submission order").
func (w *replicaWorker) run() {
	for intent := range w.ch {
		if err := w.send(intent); err != nil {
			w.failed.Add(1)
			w.log.Warn("replica forward failed",
				zap.String("replica", w.url),
				zap.String("key", intent.Key),
				zap.String("intent_id", intent.ID.String()),
				zap.Error(err))
			continue
		}
		w.sent.Add(1)
	}
}

func (w *replicaWorker) send(intent WriteIntent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var req *http.Request
	var err error
	switch intent.Op {
	case OpPut:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/kv/"+intent.Key, bytes.NewReader(intent.Value))
	case OpDelete:
		req, err = http.NewRequestWithContext(ctx, http.MethodDelete, w.url+"/kv/"+intent.Key, nil)
	default:
		return fmt.Errorf("storage: unknown replica op %d", intent.Op)
	}
	if err != nil {
		return err
	}
	req.Header.Set(intentHeader, intent.ID.String())

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("storage: replica %s responded %s", w.url, resp.Status)
	}
	return nil
}

// enqueue submits intent to the worker's queue, dropping the newest intent
// (not the oldest) when the queue is full — a full channel means the
// replica is falling behind, and dropping the one that can't fit keeps
// earlier, already-queued writes in order ahead of it (§4.7, §9).
func (w *replicaWorker) enqueue(intent WriteIntent) {
	select {
	case w.ch <- intent:
	default:
		w.dropped.Add(1)
		w.log.Warn("replica queue full, dropping intent",
			zap.String("replica", w.url),
			zap.String("key", intent.Key),
			zap.String("intent_id", intent.ID.String()))
	}
}

func (w *replicaWorker) stats() ReplicaStats {
	return ReplicaStats{
		Sent:    w.sent.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
	}
}

func (w *replicaWorker) close() { close(w.ch) }

// ReplicaLink forwards write intents from a primary to every configured
// replica, one bounded FIFO queue drained by a dedicated goroutine per
// replica endpoint (§4.7, §9 "Replica fan-out"). Forwarding never blocks
// the caller: a full queue drops the intent and increments a counter
// rather than applying backpressure to the write path.
type ReplicaLink struct {
	mu      sync.RWMutex
	workers []*replicaWorker
}

// NewReplicaLink creates a worker per URL in urls. queueSize <= 0 uses
// defaultReplicaQueueSize. An empty urls list yields a ReplicaLink whose
// Forward is a no-op.
func NewReplicaLink(urls []string, queueSize int, log *zap.Logger) *ReplicaLink {
	if queueSize <= 0 {
		queueSize = defaultReplicaQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}

	client := &http.Client{Timeout: 5 * time.Second}
	link := &ReplicaLink{}
	for _, url := range urls {
		link.workers = append(link.workers, newReplicaWorker(url, queueSize, client, log))
	}
	return link
}

// Forward enqueues intent for every replica, assigning it a fresh UUID for
// tracing. Non-blocking: see replicaWorker.enqueue.
func (r *ReplicaLink) Forward(intent WriteIntent) {
	if r == nil || len(r.workers) == 0 {
		return
	}
	if intent.ID == uuid.Nil {
		intent.ID = uuid.New()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.workers {
		w.enqueue(intent)
	}
}

// Stats returns a snapshot of every replica's counters, keyed by URL.
func (r *ReplicaLink) Stats() map[string]ReplicaStats {
	out := make(map[string]ReplicaStats)
	if r == nil {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.workers {
		out[w.url] = w.stats()
	}
	return out
}

// Close drains and stops every replica worker goroutine.
func (r *ReplicaLink) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		w.close()
	}
}
