// Package reconcile drains the durable offline mutation queue back to the
// document API once connectivity returns. Replay is strictly ordered within
// a document and parallel across documents.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"syncroom/internal/gateway"
	"syncroom/internal/localstore"
)

// ErrReplayRejected means the server definitively refused a queued mutation.
// Draining of that document halts so later mutations cannot jump the queue.
var ErrReplayRejected = errors.New("queued mutation rejected by server")

const (
	defaultMaxAttempts = 8
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 2 * time.Minute
)

// Reconciler replays queued mutations against the document API.
type Reconciler struct {
	store  *localstore.Store
	base   string
	client *http.Client
	clock  clockwork.Clock

	// MaxAttempts bounds transient retries per mutation within one online
	// transition; the mutation stays queued for the next one.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// OnRejected is invoked when a mutation is definitively refused, before
	// it is dropped from the queue. Optional.
	OnRejected func(m localstore.QueuedMutation, status int)

	mu       sync.Mutex
	draining map[string]bool
	wg       sync.WaitGroup
}

func New(base string, client *http.Client, store *localstore.Store, clock clockwork.Clock) *Reconciler {
	if client == nil {
		client = http.DefaultClient
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{
		store:       store,
		base:        base,
		client:      client,
		clock:       clock,
		MaxAttempts: defaultMaxAttempts,
		BaseBackoff: defaultBaseBackoff,
		MaxBackoff:  defaultMaxBackoff,
		draining:    make(map[string]bool),
	}
}

// Run watches connectivity signals and drains the queue on every transition
// back online. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, signals <-chan gateway.Signal) {
	// Anything queued from a previous process run is drained immediately.
	r.Drain(ctx)

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case sig, ok := <-signals:
			if !ok {
				r.wg.Wait()
				return
			}
			if sig.Type == "OFFLINE" && !sig.Value {
				r.Drain(ctx)
			}
		}
	}
}

// Drain starts one drain goroutine per document holding queued mutations.
// Documents already being drained are skipped.
func (r *Reconciler) Drain(ctx context.Context) {
	docs, err := r.store.DocsWithPending()
	if err != nil {
		log.Printf("RECONCILE: list pending docs failed: %v", err)
		return
	}

	for _, docID := range docs {
		r.mu.Lock()
		if r.draining[docID] {
			r.mu.Unlock()
			continue
		}
		r.draining[docID] = true
		r.mu.Unlock()

		r.wg.Add(1)
		go func(docID string) {
			defer r.wg.Done()
			defer func() {
				r.mu.Lock()
				delete(r.draining, docID)
				r.mu.Unlock()
			}()
			if err := r.drainDoc(ctx, docID); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("RECONCILE: doc %s halted: %v", docID, err)
			}
		}(docID)
	}
}

// Wait blocks until all in-flight drain goroutines finish. Test hook and
// shutdown aid.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// drainDoc replays the document's queue head-first. The head must succeed
// before the next mutation is attempted.
func (r *Reconciler) drainDoc(ctx context.Context, docID string) error {
	for {
		pending, err := r.store.Pending(docID)
		if err != nil {
			return fmt.Errorf("load pending: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		head := pending[0]
		switch err := r.replay(ctx, head); {
		case err == nil:
			if err := r.store.Ack(docID, head.ID); err != nil {
				return fmt.Errorf("ack %s: %w", head.ID, err)
			}
		case errors.Is(err, ErrReplayRejected):
			// Dropped so it cannot block the queue forever; the caller is
			// told through OnRejected.
			if ackErr := r.store.Ack(docID, head.ID); ackErr != nil {
				return fmt.Errorf("ack rejected %s: %w", head.ID, ackErr)
			}
			return err
		default:
			// Transient. The mutation stays at the head of the queue for
			// the next online transition.
			return err
		}
	}
}

// replay sends one mutation, retrying transient failures with exponential
// backoff up to MaxAttempts.
func (r *Reconciler) replay(ctx context.Context, m localstore.QueuedMutation) error {
	for attempt := 0; attempt < r.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(r.backoff(attempt)):
			}
		}

		status, err := r.send(ctx, m)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.bumpAttempts(&m)
			continue
		}

		switch {
		case status < 300:
			return nil
		case status == http.StatusConflict:
			// The server already holds this mutation; an earlier replay
			// landed before its response reached us.
			return nil
		case transientStatus(status):
			r.bumpAttempts(&m)
			continue
		default:
			if r.OnRejected != nil {
				r.OnRejected(m, status)
			}
			return fmt.Errorf("%w: %s %s -> %d", ErrReplayRejected, m.Method, m.Path, status)
		}
	}
	return fmt.Errorf("gave up after %d attempts: %s %s", r.MaxAttempts, m.Method, m.Path)
}

func (r *Reconciler) send(ctx context.Context, m localstore.QueuedMutation) (int, error) {
	req, err := http.NewRequestWithContext(ctx, m.Method, r.base+m.Path, bytes.NewReader(m.Body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", m.ID)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (r *Reconciler) bumpAttempts(m *localstore.QueuedMutation) {
	m.Attempts++
	if err := r.store.Replace(*m); err != nil {
		log.Printf("RECONCILE: record attempt for %s failed: %v", m.ID, err)
	}
}

func (r *Reconciler) backoff(attempt int) time.Duration {
	d := r.BaseBackoff << uint(attempt-1)
	if d > r.MaxBackoff || d <= 0 {
		return r.MaxBackoff
	}
	return d
}

// transientStatus reports whether the status code signals a retryable
// condition rather than a verdict on the mutation itself.
func transientStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return true
	}
	return false
}
