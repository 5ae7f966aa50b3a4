package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"ctr-feature-engine/internal/types"
)

// ErrNotFound is returned by Publisher.Get for missing keys.
var ErrNotFound = errors.New("object not found")

const latestKey = "bundles/LATEST"

// Publisher is a flat key/value object store.
type Publisher interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// BundleKey is the object key of the bundle for date.
func BundleKey(date types.Date) string {
	return "bundles/" + date.Partition() + "/bundle.json.sz"
}

// Publish writes b under its dated key, then points LATEST at it unless LATEST
// already references a later date.
func Publish(ctx context.Context, p Publisher, b *Bundle, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := EncodeBundle(b)
	if err != nil {
		return "", err
	}
	key := BundleKey(b.Date)
	if err := p.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	cur, err := p.Get(ctx, latestKey)
	switch {
	case err == nil && strings.TrimSpace(string(cur)) > key:
		logger.Info("keeping newer LATEST bundle", zap.String("latest", strings.TrimSpace(string(cur))))
	case err == nil || errors.Is(err, ErrNotFound):
		if err := p.Put(ctx, latestKey, []byte(key)); err != nil {
			return "", fmt.Errorf("put %s: %w", latestKey, err)
		}
	default:
		return "", fmt.Errorf("get %s: %w", latestKey, err)
	}
	logger.Info("bundle published",
		zap.String("key", key),
		zap.String("run_id", b.RunID),
		zap.Int("bytes", len(data)))
	return key, nil
}

// FetchLatest reads the bundle LATEST points to.
func FetchLatest(ctx context.Context, p Publisher) (*Bundle, error) {
	ref, err := p.Get(ctx, latestKey)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", latestKey, err)
	}
	return Fetch(ctx, p, strings.TrimSpace(string(ref)))
}

func Fetch(ctx context.Context, p Publisher, key string) (*Bundle, error) {
	data, err := p.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return DecodeBundle(data)
}

// DirPublisher stores objects as files under a root directory.
type DirPublisher struct {
	root string
}

func NewDirPublisher(root string) (*DirPublisher, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DirPublisher{root: root}, nil
}

func (d *DirPublisher) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(d.root, clean), nil
}

// Put writes through a temp file so readers never see a partial object.
func (d *DirPublisher) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (d *DirPublisher) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}
