// Package fallback chains blob stores: uploads go to the primary store and
// fall back to a secondary one when the primary fails.
package fallback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// BlobStore tries primary first, then secondary.
type BlobStore struct {
	primary   scrape.BlobStore
	secondary scrape.BlobStore
	logger    *zap.Logger
}

// New builds a fallback store. primary may be nil, in which case every
// upload goes straight to secondary.
func New(primary, secondary scrape.BlobStore, logger *zap.Logger) (*BlobStore, error) {
	if secondary == nil {
		return nil, errors.New("fallback store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobStore{primary: primary, secondary: secondary, logger: logger}, nil
}

// PutObject uploads to the primary store and retries on the secondary when
// that fails. The body is buffered so it can be replayed.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	if s.primary == nil {
		return s.secondary.PutObject(ctx, path, contentType, data)
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("buffer upload: %w", err)
	}
	uri, primaryErr := s.primary.PutObject(ctx, path, contentType, bytes.NewReader(body))
	if primaryErr == nil {
		return uri, nil
	}
	s.logger.Warn("primary upload failed, using fallback store",
		zap.String("path", path),
		zap.Error(primaryErr),
	)
	uri, err = s.secondary.PutObject(ctx, path, contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, errors.Join(primaryErr, err))
	}
	return uri, nil
}
