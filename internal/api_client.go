package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var httpTimeout = 5 * time.Second

// APIClient talks to a running visitorhub server over its HTTP and
// websocket surfaces. Zero-value fields get sane defaults.
type APIClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: httpTimeout},
	}
}

// ListVisitors fetches visitors, optionally filtered by a search query.
func (c *APIClient) ListVisitors(search string) ([]VisitorDTO, error) {
	endpoint := c.BaseURL + "/api/visitors"
	if search != "" {
		endpoint += "?search=" + url.QueryEscape(search)
	}
	var resp listResponse
	if err := c.doJSONRequest(http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Visitors, nil
}

// Stats fetches the aggregate snapshot.
func (c *APIClient) Stats() (AggregateSnapshot, error) {
	var snap AggregateSnapshot
	err := c.doJSONRequest(http.MethodGet, c.BaseURL+"/api/stats", nil, &snap)
	return snap, err
}

// MarkRead flags a visitor as read.
func (c *APIClient) MarkRead(id int64) error {
	return c.doJSONRequest(http.MethodPost, fmt.Sprintf("%s/api/visitors/%d/read", c.BaseURL, id), nil, nil)
}

// SetFavorite sets the favorite flag to the desired value.
func (c *APIClient) SetFavorite(id int64, favorite bool) error {
	payload := favoriteRequest{Favorite: favorite}
	return c.doJSONRequest(http.MethodPost, fmt.Sprintf("%s/api/visitors/%d/favorite", c.BaseURL, id), payload, nil)
}

// DeleteVisitors removes the given visitor ids.
func (c *APIClient) DeleteVisitors(ids []int64) error {
	return c.doJSONRequest(http.MethodDelete, c.BaseURL+"/api/visitors", deleteRequest{IDs: ids}, nil)
}

// Watch subscribes to the dashboard event stream and invokes fn per event
// until the context is cancelled or the stream drops. A dropped stream
// returns nil; the caller should list for a full resync and call Watch
// again with the last seq it processed.
func (c *APIClient) Watch(ctx context.Context, observerID string, sinceSeq uint64, fn func(ChangeEvent)) error {
	wsURL, err := dashboardURL(c.BaseURL, observerID, sinceSeq)
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusGone {
			return ErrReplayExpired
		}
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var ev ChangeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		fn(ev)
	}
}

func dashboardURL(baseURL, observerID string, sinceSeq uint64) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = "/ws/dashboard"
	query := url.Values{}
	if observerID != "" {
		query.Set("observer", observerID)
	}
	if sinceSeq > 0 {
		query.Set("since", fmt.Sprintf("%d", sinceSeq))
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (c *APIClient) doJSONRequest(method, endpoint string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}
