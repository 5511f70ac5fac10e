package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"worktrace/internal/wt"
)

// maxErrorBody caps how much of a failed response is kept for diagnostics.
const maxErrorBody = 4096

// HTTPStore uploads media to an object storage HTTP API of the form
// POST {endpoint}/storage/v1/object/{bucket}/{key}.
type HTTPStore struct {
	client   *http.Client
	endpoint string
	bucket   string
	apiKey   string
	token    string
}

// NewHTTPStore creates a store uploading to bucket under endpoint. client
// must not be nil.
func NewHTTPStore(client *http.Client, endpoint, bucket, apiKey, token string) *HTTPStore {
	return &HTTPStore{
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
		bucket:   bucket,
		apiKey:   apiKey,
		token:    token,
	}
}

// Put uploads the object with upsert enabled and returns "bucket/key".
func (s *HTTPStore) Put(ctx context.Context, obj wt.MediaObject, r io.Reader) (string, error) {
	u := s.endpoint + "/storage/v1/object/" + url.PathEscape(s.bucket) + "/" + escapeKey(obj.Key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, r)
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	req.ContentLength = obj.Size
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", obj.Key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &wt.RemoteError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	io.Copy(io.Discard, resp.Body)
	return s.bucket + "/" + obj.Key, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

var _ wt.MediaStore = (*HTTPStore)(nil)
