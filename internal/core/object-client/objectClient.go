package objectclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/handoverhq/docsearch/internal/core"
)

var _ core.ObjectClient = (*MemoryClient)(nil)

// MemoryClient keeps objects in process memory. It stands in for S3 when no
// AWS credentials are configured.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string][]byte)}
}

func (m *MemoryClient) UploadFile(ctx context.Context, key string, data io.Reader, _ string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = buf.Bytes()
	m.mu.Unlock()
	return nil
}

func (m *MemoryClient) DeleteFile(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryClient) GetFile(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: object %s", core.ErrNotFound, key)
	}
	return bytes.Clone(b), nil
}
