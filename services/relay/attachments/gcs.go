// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package attachments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// DefaultSignedURLTTL is how long an image URL stays valid.
const DefaultSignedURLTTL = 15 * time.Minute

// GCSConfig configures a GCSResolver.
type GCSConfig struct {
	Bucket string
	// CredentialsFile is a service account key. Empty uses Application
	// Default Credentials.
	CredentialsFile string
	SignedURLTTL    time.Duration
	Logger          *slog.Logger
}

// objectSource is the slice of bucket behavior the resolver needs.
type objectSource interface {
	ContentType(ctx context.Context, name string) (string, error)
	SignedURL(name string, expires time.Time) (string, error)
}

// GCSResolver resolves uploads stored in a Google Cloud Storage bucket.
//
// # Description
//
// For each ID it checks ownership, reads the object attributes for the
// content type and, for images, signs a GET URL valid for SignedURLTTL.
//
// # Thread Safety
//
// Safe for concurrent use.
type GCSResolver struct {
	client  *storage.Client
	objects objectSource
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewGCSResolver creates a storage client for cfg.Bucket.
func NewGCSResolver(ctx context.Context, cfg GCSConfig) (*GCSResolver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("GCS bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	r := newResolver(&bucketObjects{bucket: client.Bucket(cfg.Bucket)}, cfg.SignedURLTTL, cfg.Logger)
	r.client = client
	return r, nil
}

func newResolver(objects objectSource, ttl time.Duration, logger *slog.Logger) *GCSResolver {
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GCSResolver{objects: objects, ttl: ttl, logger: logger, now: time.Now}
}

func (r *GCSResolver) Resolve(ctx context.Context, caller store.Caller, ids []string) ([]Attachment, error) {
	out := make([]Attachment, 0, len(ids))
	for _, id := range ids {
		if err := CheckOwnership(caller.UserID, id); err != nil {
			return nil, err
		}

		ct, err := r.objects.ContentType(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read attributes of %s: %w", id, err)
		}
		if ct == "" || ct == "application/octet-stream" {
			if guessed := guessContentType(id); guessed != "" {
				ct = guessed
			}
		}

		att := Attachment{ID: id, ContentType: ct}
		if isImageType(ct) {
			url, err := r.objects.SignedURL(id, r.now().Add(r.ttl))
			if err != nil {
				return nil, fmt.Errorf("sign URL for %s: %w", id, err)
			}
			att.URL = url
		}
		r.logger.Debug("Resolved attachment", "id", id, "content_type", ct, "image", att.IsImage())
		out = append(out, att)
	}
	return out, nil
}

// Close releases the storage client.
func (r *GCSResolver) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

type bucketObjects struct {
	bucket *storage.BucketHandle
}

func (b *bucketObjects) ContentType(ctx context.Context, name string) (string, error) {
	attrs, err := b.bucket.Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", err
	}
	return attrs.ContentType, nil
}

func (b *bucketObjects) SignedURL(name string, expires time.Time) (string, error) {
	return b.bucket.SignedURL(name, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: expires,
	})
}

var _ Resolver = (*GCSResolver)(nil)
