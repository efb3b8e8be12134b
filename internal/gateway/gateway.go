// Package gateway intercepts every outbound document-API request and picks a
// fulfillment path the caller never sees: the network when it is reachable,
// the local cache and mutation queue when it is not. Each attempt's outcome
// feeds the shared connectivity bus.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"syncroom/internal/localstore"
)

// ErrNoOfflineData means the network is unreachable and the cache holds
// nothing to synthesize a response from. Reported to the caller, never
// silently hidden.
var ErrNoOfflineData = errors.New("no offline data available")

const readCacheSize = 256

// Request is one intercepted document-API call. ID is the logical request
// id used for exactly-once queueing and replay idempotency; one is assigned
// when empty.
type Request struct {
	ID     string
	Method string
	DocID  string
	Path   string
	Body   []byte
}

// Response is what the caller gets back, from whichever path served it.
type Response struct {
	Status    int
	Body      []byte
	FromCache bool
	Queued    bool
}

// Gateway routes intercepted requests. One pipeline per document; different
// documents proceed independently.
type Gateway struct {
	base   string
	client *http.Client
	store  *localstore.Store
	cache  *lru.Cache[string, []byte]
	bus    *Bus

	mu     sync.Mutex
	queued map[string]string // logical request id -> queued mutation id
}

func New(base string, client *http.Client, store *localstore.Store, bus *Bus) (*Gateway, error) {
	cache, err := lru.New[string, []byte](readCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create read cache: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Gateway{
		base:   base,
		client: client,
		store:  store,
		cache:  cache,
		bus:    bus,
	}, nil
}

// Bus returns the connectivity bus shared by all listeners.
func (g *Gateway) Bus() *Bus {
	return g.bus
}

// Do fulfills one intercepted request. Reads are served cache-first with a
// background refresh; mutations go to the network and fall back to the
// offline queue on transport failure. HTTP-level errors are real responses
// and are returned untouched.
func (g *Gateway) Do(ctx context.Context, req Request) (Response, error) {
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		return g.doRead(ctx, req)
	}
	return g.doMutation(ctx, req)
}

func (g *Gateway) doRead(ctx context.Context, req Request) (Response, error) {
	if cached, ok := g.cache.Get(req.DocID); ok {
		go g.revalidate(req)
		return Response{Status: http.StatusOK, Body: cached, FromCache: true}, nil
	}
	if snapshot, ok, err := g.store.GetSnapshot(req.DocID); err == nil && ok {
		g.cache.Add(req.DocID, snapshot)
		go g.revalidate(req)
		return Response{Status: http.StatusOK, Body: snapshot, FromCache: true}, nil
	}

	status, body, err := g.fetch(ctx, req)
	if err != nil {
		g.bus.report(true, fmt.Sprintf("network unreachable: %v", err))
		return Response{}, fmt.Errorf("%w: %s", ErrNoOfflineData, req.DocID)
	}

	g.bus.report(false, "network restored")
	if status == http.StatusOK {
		g.storeRead(req.DocID, body)
	}
	return Response{Status: status, Body: body}, nil
}

func (g *Gateway) doMutation(ctx context.Context, req Request) (Response, error) {
	status, body, err := g.fetch(ctx, req)
	if err == nil {
		g.bus.report(false, "network restored")
		return Response{Status: status, Body: body}, nil
	}

	// Transport-level failure only; a valid HTTP error never lands here.
	g.bus.report(true, fmt.Sprintf("network unreachable: %v", err))

	if err := g.enqueueOnce(req); err != nil {
		return Response{}, err
	}

	// Synthesize a locally-plausible response so the caller can proceed
	// optimistically.
	return Response{Status: http.StatusAccepted, Body: req.Body, Queued: true}, nil
}

// enqueueOnce queues a mutation exactly once per logical request id, no
// matter how many times the caller retries the same request offline.
func (g *Gateway) enqueueOnce(req Request) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.queued == nil {
		g.queued = make(map[string]string)
	}
	if req.ID != "" {
		if _, ok := g.queued[req.ID]; ok {
			return nil
		}
	}

	queued, err := g.store.Enqueue(localstore.QueuedMutation{
		DocID:  req.DocID,
		Method: req.Method,
		Path:   req.Path,
		Body:   req.Body,
	})
	if err != nil {
		return fmt.Errorf("queue mutation: %w", err)
	}
	if req.ID != "" {
		g.queued[req.ID] = queued.ID
	}
	return nil
}

// revalidate refreshes a cached read in the background and reports the
// attempt's outcome like any other fulfillment.
func (g *Gateway) revalidate(req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), g.clientTimeoutOrDefault())
	defer cancel()

	status, body, err := g.fetch(ctx, req)
	if err != nil {
		g.bus.report(true, fmt.Sprintf("network unreachable: %v", err))
		return
	}
	g.bus.report(false, "network restored")
	if status == http.StatusOK {
		g.storeRead(req.DocID, body)
	}
}

func (g *Gateway) storeRead(docID string, body []byte) {
	g.cache.Add(docID, body)
	if err := g.store.PutSnapshot(docID, body); err != nil {
		// Cache write failures degrade offline coverage but not this call.
		return
	}
}

func (g *Gateway) fetch(ctx context.Context, req Request) (int, []byte, error) {
	var reader io.Reader
	if len(req.Body) > 0 {
		reader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, g.base+req.Path, reader)
	if err != nil {
		return 0, nil, err
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.ID != "" {
		httpReq.Header.Set("X-Idempotency-Key", req.ID)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

const defaultRevalidateTimeout = 10 * time.Second

func (g *Gateway) clientTimeoutOrDefault() time.Duration {
	if g.client.Timeout > 0 {
		return g.client.Timeout
	}
	return defaultRevalidateTimeout
}
