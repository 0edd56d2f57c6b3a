package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
)

// Config selects and configures the offload backend.
type Config struct {
	// Backend is local or s3. Default: local
	Backend string        `yaml:"backend" json:"backend,omitempty" jsonschema:"enum=local,enum=s3"`
	Dir     string        `yaml:"dir" json:"dir,omitempty"`
	S3      S3StoreConfig `yaml:"s3" json:"s3,omitempty"`

	// MaxAge prunes local artifacts older than this. Zero keeps them.
	MaxAge time.Duration `yaml:"max_age" json:"max_age,omitempty"`
}

// NewStore opens the configured backend.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		dir := cfg.Dir
		if dir == "" {
			dir = ".conductor/artifacts"
		}
		return NewLocalStore(dir)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown offload backend %q", cfg.Backend)
	}
}

// Offloader persists oversized tool output and resolves the references it
// hands out.
type Offloader struct {
	store  Store
	logger *slog.Logger
}

var _ agent.OffloadStore = (*Offloader)(nil)

// NewOffloader wraps store.
func NewOffloader(store Store, logger *slog.Logger) *Offloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Offloader{store: store, logger: logger.With("component", "offload")}
}

// Key returns where a tool call's output is stored.
func Key(sessionID, toolCallID string) string {
	return safeSegment(sessionID) + "/" + safeSegment(toolCallID) + ".txt"
}

// Offload stores data under the session and call. Storing the same call
// again overwrites it.
func (o *Offloader) Offload(ctx context.Context, sessionID, toolCallID string, data []byte) (string, error) {
	ref, err := o.store.Put(ctx, Key(sessionID, toolCallID), bytes.NewReader(data), PutOptions{
		MimeType: "text/plain; charset=utf-8",
		Metadata: map[string]string{"session-id": sessionID, "tool-call-id": toolCallID},
	})
	if err != nil {
		return "", err
	}
	o.logger.DebugContext(ctx, "offloaded tool output",
		"session_id", sessionID, "tool_call_id", toolCallID, "bytes", len(data), "ref", ref)
	return ref, nil
}

// Open resolves a reference returned by Offload.
func (o *Offloader) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	key, err := o.store.KeyOf(ref)
	if err != nil {
		return nil, err
	}
	return o.store.Get(ctx, key)
}

// Store returns the underlying store.
func (o *Offloader) Store() Store { return o.store }
