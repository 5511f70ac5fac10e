package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"

	"worktrace/internal/model"
	"worktrace/internal/wt"
)

const maxErrorBody = 4096

// HTTPClient uploads row batches to a PostgREST-style endpoint:
// POST {endpoint}/rest/v1/{table} with a JSON array body. Rows are upserted
// on their primary key so that re-sending an accepted batch is harmless.
type HTTPClient struct {
	client   *http.Client
	endpoint string
	apiKey   string
	token    string
	compress bool
}

// NewHTTPClient creates a client for endpoint. client must not be nil.
func NewHTTPClient(client *http.Client, endpoint, apiKey, token string, compress bool) *HTTPClient {
	return &HTTPClient{
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		token:    token,
		compress: compress,
	}
}

// InsertBatch sends rows in a single request.
func (c *HTTPClient) InsertBatch(ctx context.Context, table wt.Table, rows []model.Row) error {
	if !table.Valid() {
		return fmt.Errorf("%w: %s", wt.ErrUnknownTable, table)
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encoding %s batch: %w", table, err)
	}

	body := payload
	if c.compress {
		if body, err = gzipBytes(payload); err != nil {
			return fmt.Errorf("compressing %s batch: %w", table, err)
		}
	}

	u := c.endpoint + "/rest/v1/" + url.PathEscape(table.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal,resolution=merge-duplicates")
	if c.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s batch: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &wt.RemoteError{StatusCode: resp.StatusCode, Body: string(msg)}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func gzipBytes(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var _ wt.Remote = (*HTTPClient)(nil)
