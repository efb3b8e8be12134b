package ability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrUnreachable means the authorization backend could not be reached at
	// all; distinct from a definitive denial so callers can log them apart.
	ErrUnreachable = errors.New("ability backend unreachable")
	// ErrForbidden means the backend answered and the caller may not see the
	// document.
	ErrForbidden = errors.New("ability forbidden")
	// ErrNotFound means the backend does not know the document at all.
	ErrNotFound = errors.New("document not found")
)

// Client fetches document descriptors from the authorization service.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// forwarded headers carrying the caller's ambient credentials
var credentialHeaders = []string{"Cookie", "Authorization"}

// Resolve fetches the ability set for one document using the caller's own
// credentials. A transport failure maps to ErrUnreachable; a 401/403/404 or
// a descriptor without the retrieve ability maps to ErrForbidden.
func (c *Client) Resolve(ctx context.Context, docID string, credentials http.Header) (Set, error) {
	url := fmt.Sprintf("%s/api/documents/%s/abilities", c.baseURL, docID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build ability request: %w", err)
	}
	for _, name := range credentialHeaders {
		for _, value := range credentials.Values(name) {
			req.Header.Add(name, value)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: status %d", ErrNotFound, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrForbidden, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnreachable, resp.StatusCode)
	}

	var body struct {
		Abilities []string `json:"abilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode descriptor: %v", ErrUnreachable, err)
	}

	set := NewSet(body.Abilities...)
	if !set.Can(Retrieve) {
		return nil, fmt.Errorf("%w: retrieve not granted", ErrForbidden)
	}
	return set, nil
}
