package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/busybox42/maildispatch/internal/cache"
)

// Body part kinds
const (
	PartText = 't'
	PartHTML = 'h'
)

// BodyStore keeps message bodies out of the message snapshot, one file per
// part. Reads go through an optional cache.
type BodyStore struct {
	dir    string
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewBodyStore creates a body store rooted at dir. c may be nil.
func NewBodyStore(dir string, c cache.Cache, ttl time.Duration, logger *slog.Logger) *BodyStore {
	return &BodyStore{
		dir:    filepath.Join(dir, "bodies"),
		cache:  c,
		ttl:    ttl,
		logger: logger.With("component", "body-store"),
	}
}

// ceilDiv returns ceil(a/b) for positive b
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// Path returns the file holding one part of a message. Files are spread
// over two directory levels: thousands of messages per leaf and hundreds
// of leaves per branch.
func (b *BodyStore) Path(id int64, part byte) string {
	leaf := ceilDiv(id, 1000)
	branch := ceilDiv(leaf, 100)
	return filepath.Join(b.dir,
		strconv.FormatInt(branch, 10),
		strconv.FormatInt(leaf, 10),
		fmt.Sprintf("m_%d_%c", id, part),
	)
}

func cacheKey(id int64, part byte) string {
	return fmt.Sprintf("m_%d_%c", id, part)
}

// Put stores the text and html parts of a message. Empty parts are not
// written.
func (b *BodyStore) Put(ctx context.Context, id int64, text, html string) error {
	if id <= 0 {
		return fmt.Errorf("invalid message id %d", id)
	}
	for _, p := range []struct {
		kind byte
		data string
	}{{PartText, text}, {PartHTML, html}} {
		if p.data == "" {
			continue
		}
		path := b.Path(id, p.kind)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create body directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(p.data), 0644); err != nil {
			return fmt.Errorf("failed to write body part: %w", err)
		}
		b.invalidate(ctx, id, p.kind)
	}
	return nil
}

// Get returns both parts of a message; a missing part is empty.
func (b *BodyStore) Get(ctx context.Context, id int64) (text, html string, err error) {
	t, err := b.part(ctx, id, PartText)
	if err != nil {
		return "", "", err
	}
	h, err := b.part(ctx, id, PartHTML)
	if err != nil {
		return "", "", err
	}
	return string(t), string(h), nil
}

func (b *BodyStore) part(ctx context.Context, id int64, kind byte) ([]byte, error) {
	key := cacheKey(id, kind)
	if b.cache != nil {
		if data, err := b.cache.Get(ctx, key); err == nil {
			return data, nil
		} else if !errors.Is(err, cache.ErrNotFound) {
			b.logger.Warn("body cache read failed", "key", key, "error", err)
		}
	}

	data, err := os.ReadFile(b.Path(id, kind))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			data = nil
		} else {
			return nil, fmt.Errorf("failed to read body part: %w", err)
		}
	}

	if b.cache != nil {
		if err := b.cache.Set(ctx, key, data, b.ttl); err != nil {
			b.logger.Warn("body cache write failed", "key", key, "error", err)
		}
	}
	return data, nil
}

func (b *BodyStore) invalidate(ctx context.Context, id int64, kind byte) {
	if b.cache == nil {
		return
	}
	if err := b.cache.Delete(ctx, cacheKey(id, kind)); err != nil {
		b.logger.Warn("body cache delete failed", "id", id, "error", err)
	}
}

// Delete removes both parts of a message
func (b *BodyStore) Delete(ctx context.Context, id int64) error {
	var errs []error
	for _, kind := range []byte{PartText, PartHTML} {
		if err := os.Remove(b.Path(id, kind)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
		b.invalidate(ctx, id, kind)
	}
	return errors.Join(errs...)
}
