package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SupabaseStore uploads to a Supabase storage bucket over its REST API.
type SupabaseStore struct {
	baseURL string
	bucket  string
	apiKey  string
	http    *http.Client
}

// NewSupabaseStore returns a client for the given project URL and bucket,
// authenticated with the service key.
func NewSupabaseStore(projectURL, bucket, apiKey string) *SupabaseStore {
	return &SupabaseStore{
		baseURL: projectURL + "/storage/v1",
		bucket:  bucket,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Upload stores the blob under key. A 409 means the object already
// exists; it is deleted and re-uploaded so the call stays idempotent.
func (s *SupabaseStore) Upload(ctx context.Context, key string, blob []byte) (string, error) {
	status, err := s.put(ctx, key, blob)
	if err != nil {
		return "", err
	}
	if status == http.StatusConflict {
		if err := s.delete(ctx, key); err != nil {
			return "", err
		}
		status, err = s.put(ctx, key, blob)
		if err != nil {
			return "", err
		}
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("upload %s: HTTP %d", key, status)
	}
	return fmt.Sprintf("%s/object/public/%s/%s", s.baseURL, s.bucket, key), nil
}

func (s *SupabaseStore) put(ctx context.Context, key string, blob []byte) (int, error) {
	url := fmt.Sprintf("%s/object/%s/%s", s.baseURL, s.bucket, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(blob))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("POST %s: %w", key, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (s *SupabaseStore) delete(ctx context.Context, key string) error {
	url := fmt.Sprintf("%s/object/%s/%s", s.baseURL, s.bucket, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE %s: %w", key, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("DELETE %s: HTTP %d", key, resp.StatusCode)
	}
	return nil
}
