package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"polystore/pkg/domain"
)

// PushResult reports the remote outcome for one pushed item.
type PushResult struct {
	Key string `json:"key"`
	Err error  `json:"-"`
}

// PullPage is one page of remote changes.
type PullPage struct {
	Instances []domain.Instance `json:"instances"`
	Cursor    string            `json:"cursor"`
	More      bool              `json:"more"`
}

// Transport moves instances between the local store and the remote
// authority. Implementations must return per-item results for pushes; a
// transport-level failure fails the whole call with a transient error.
type Transport interface {
	Push(ctx context.Context, items []domain.SyncQueueItem) ([]PushResult, error)
	Pull(ctx context.Context, since time.Time, cursor string, limit int) (PullPage, error)
}

// RESTTransport speaks bearer-token JSON against the batch sync surface.
type RESTTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRESTTransport constructs a transport against the given base URL. A nil
// client falls back to a 30-second default.
func NewRESTTransport(baseURL, token string, client *http.Client) *RESTTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RESTTransport{baseURL: baseURL, token: token, client: client}
}

var _ Transport = (*RESTTransport)(nil)

type pushRequest struct {
	Items []domain.SyncQueueItem `json:"items"`
}

type pushResponse struct {
	Results []struct {
		Key   string `json:"key"`
		Error string `json:"error,omitempty"`
	} `json:"results"`
}

// Push sends a batch of queued items. Each result carries the remote
// per-item outcome; an item the server did not acknowledge is treated as a
// transient failure.
func (t *RESTTransport) Push(ctx context.Context, items []domain.SyncQueueItem) ([]PushResult, error) {
	body, err := json.Marshal(pushRequest{Items: items})
	if err != nil {
		return nil, fmt.Errorf("encode push batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/v1/sync/entities", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, domain.TransientError{Op: "sync_push", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus("sync_push", resp.StatusCode); err != nil {
		return nil, err
	}

	var decoded pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, domain.TransientError{Op: "sync_push", Err: err}
	}

	acked := make(map[string]string, len(decoded.Results))
	for _, r := range decoded.Results {
		acked[r.Key] = r.Error
	}
	results := make([]PushResult, 0, len(items))
	for _, item := range items {
		key := item.EntityKey()
		remoteErr, ok := acked[key]
		switch {
		case !ok:
			results = append(results, PushResult{Key: key, Err: domain.TransientError{Op: "sync_push", Err: fmt.Errorf("no acknowledgement for %s", key)}})
		case remoteErr != "":
			results = append(results, PushResult{Key: key, Err: domain.TransientError{Op: "sync_push", Err: fmt.Errorf("remote: %s", remoteErr)}})
		default:
			results = append(results, PushResult{Key: key})
		}
	}
	return results, nil
}

// Pull fetches one page of changes since the cursor time.
func (t *RESTTransport) Pull(ctx context.Context, since time.Time, cursor string, limit int) (PullPage, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/api/v1/sync/entities?"+query.Encode(), nil)
	if err != nil {
		return PullPage{}, err
	}
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return PullPage{}, domain.TransientError{Op: "sync_pull", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus("sync_pull", resp.StatusCode); err != nil {
		return PullPage{}, err
	}

	var page PullPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return PullPage{}, domain.TransientError{Op: "sync_pull", Err: err}
	}
	return page, nil
}

func checkStatus(op string, status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.AccessDeniedError{Subject: "sync", Resource: op, Step: "remote_auth"}
	default:
		return domain.TransientError{Op: op, Err: fmt.Errorf("unexpected status %d", status)}
	}
}
