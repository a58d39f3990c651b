package s3ui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ErrNotConnected means no usable storage connection settings exist yet.
// The poller treats this as "wait and retry", never as fatal: the console
// may not have been configured at process start.
var ErrNotConnected = errors.New("storage connection is not configured")

// ConnConfig holds the S3 endpoint settings. The document is written by the
// console and read by the poller; both sides go through ConnStore so a read
// always observes a fully parsed document or an error, never a torn one.
type ConnConfig struct {
	EndpointURL string `json:"endpoint_url"`
	AccessKey   string `json:"access_key"`
	SecretKey   string `json:"secret_key"`
	Region      string `json:"region"`
}

// Validate reports whether the settings are complete enough to build a client.
func (c *ConnConfig) Validate() error {
	if c == nil {
		return ErrNotConnected
	}
	if c.EndpointURL == "" || c.AccessKey == "" || c.SecretKey == "" {
		return ErrNotConnected
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	return nil
}

// fingerprint identifies the settings so the provider can detect edits.
func (c *ConnConfig) fingerprint() string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", c.EndpointURL, c.AccessKey, c.SecretKey, c.Region)
}

// ConnStore persists ConnConfig as a JSON document on disk.
type ConnStore struct {
	path string
}

// NewConnStore creates a store backed by the given file path.
func NewConnStore(path string) *ConnStore {
	return &ConnStore{path: path}
}

// Load reads the connection document. A missing file or incomplete document
// yields ErrNotConnected; malformed JSON is reported as-is.
func (s *ConnStore) Load(ctx context.Context) (*ConnConfig, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("read connection file: %w", err)
	}
	if len(content) == 0 {
		return nil, ErrNotConnected
	}
	var conn ConnConfig
	if err := json.Unmarshal(content, &conn); err != nil {
		return nil, fmt.Errorf("parse connection file: %w", err)
	}
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	return &conn, nil
}

// Save replaces the connection document. The write goes through a temp file
// rename so a concurrent Load never observes a partial document.
func (s *ConnStore) Save(ctx context.Context, conn *ConnConfig) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	content, err := json.MarshalIndent(conn, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		return fmt.Errorf("write connection file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace connection file: %w", err)
	}
	slog.InfoContext(ctx, "saved connection settings", "endpoint", conn.EndpointURL, "region", conn.Region)
	return nil
}

// S3Provider hands out a verified S3Client built from the current connection
// document. The client is cached and rebuilt only when the document changes,
// so the poller picks up console edits without restarting.
type S3Provider struct {
	store *ConnStore

	mu          sync.Mutex
	client      *S3Client
	fingerprint string
}

// NewS3Provider creates a provider over the given store.
func NewS3Provider(store *ConnStore) *S3Provider {
	return &S3Provider{store: store}
}

// Client returns a working S3Client, building and verifying one if the cached
// client is missing or the connection settings changed. Returns
// ErrNotConnected while the document is absent or incomplete.
func (p *S3Provider) Client(ctx context.Context) (*S3Client, error) {
	conn, err := p.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.fingerprint == conn.fingerprint() {
		return p.client, nil
	}
	client, err := NewS3Client(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("verify connection to %s: %w", conn.EndpointURL, err)
	}
	slog.InfoContext(ctx, "connected to S3 endpoint", "endpoint", conn.EndpointURL, "region", conn.Region)
	p.client = client
	p.fingerprint = conn.fingerprint()
	return client, nil
}

// Fetcher implements FetcherSource for the poller.
func (p *S3Provider) Fetcher(ctx context.Context) (SnapshotFetcher, error) {
	return p.Client(ctx)
}
