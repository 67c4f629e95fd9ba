package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/wahub-id/wahub/internal/wa"
)

// Object is a stored blob reference.
type Object struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Format string `json:"format"`
}

// Store is the blob-storage collaborator (Cloudinary in production). The
// core only needs upload and URL derivation.
type Store interface {
	Upload(ctx context.Context, data []byte, format string) (Object, error)
	OptimizedURL(id, format string) string
}

// MemStore keeps blobs in memory. Used in development and tests; swap in a
// real backend behind the same interface.
type MemStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemStore() *MemStore { return &MemStore{blobs: make(map[string][]byte)} }

func (s *MemStore) Upload(ctx context.Context, data []byte, format string) (Object, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:8])
	s.mu.Lock()
	s.blobs[id] = data
	s.mu.Unlock()
	return Object{ID: id, URL: "mem://" + id + "." + format, Format: format}, nil
}

func (s *MemStore) OptimizedURL(id, format string) string {
	return "mem://" + id + "." + format
}

// Fetcher downloads an attachment URL into a transport payload.
type Fetcher struct {
	Client  *http.Client
	MaxSize int64
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		Client:  &http.Client{Timeout: 30 * time.Second},
		MaxSize: 16 << 20, // transport rejects anything bigger anyway
	}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) (*wa.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	if int64(len(data)) > f.MaxSize {
		return nil, fmt.Errorf("fetch media: body exceeds %d bytes", f.MaxSize)
	}

	mimeType := resp.Header.Get("Content-Type")
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	name := path.Base(req.URL.Path)
	if name == "/" || name == "." || name == "" {
		name = "attachment"
		if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
			name += exts[0]
		}
	}

	return &wa.Media{MimeType: mimeType, Filename: name, Data: data}, nil
}
