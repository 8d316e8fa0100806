// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package attachments turns uploaded object paths into model-ready
// references.
//
// Uploads live under uploads/<userId>/<timestamp>_<name>. Image uploads
// become signed URLs that the model can fetch; anything else stays a plain
// reference recorded with the message.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// UploadPrefix is the root of every user upload path.
const UploadPrefix = "uploads/"

var (
	// ErrForeignAttachment is returned for a path outside the caller's
	// upload prefix.
	ErrForeignAttachment = errors.New("attachment does not belong to caller")

	// ErrNotFound is returned when an attachment object does not exist.
	ErrNotFound = errors.New("attachment not found")
)

// Attachment is one resolved upload.
type Attachment struct {
	ID          string
	ContentType string
	// URL is set for images only.
	URL string
}

// IsImage reports whether the attachment can be sent as an image part.
func (a Attachment) IsImage() bool {
	return a.URL != "" && isImageType(a.ContentType)
}

func isImageType(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}

// Resolver resolves attachment IDs for a caller.
type Resolver interface {
	Resolve(ctx context.Context, caller store.Caller, ids []string) ([]Attachment, error)
}

// CheckOwnership verifies that id sits under uploads/<userID>/ and does not
// escape it.
func CheckOwnership(userID, id string) error {
	if userID == "" || strings.Contains(userID, "/") {
		return fmt.Errorf("%w: %s", ErrForeignAttachment, id)
	}
	prefix := UploadPrefix + userID + "/"
	clean := path.Clean(id)
	if !strings.HasPrefix(id, prefix) || !strings.HasPrefix(clean, prefix) || clean != id {
		return fmt.Errorf("%w: %s", ErrForeignAttachment, id)
	}
	return nil
}

// ImageURLs returns the URLs of the image attachments in order.
func ImageURLs(atts []Attachment) []string {
	var urls []string
	for _, a := range atts {
		if a.IsImage() {
			urls = append(urls, a.URL)
		}
	}
	return urls
}

func guessContentType(id string) string {
	return mime.TypeByExtension(path.Ext(id))
}

// =============================================================================
// Reference Resolver
// =============================================================================

// ReferenceResolver checks ownership and returns every attachment as a
// plain reference. Used when no object storage is configured.
type ReferenceResolver struct{}

func (ReferenceResolver) Resolve(ctx context.Context, caller store.Caller, ids []string) ([]Attachment, error) {
	out := make([]Attachment, 0, len(ids))
	for _, id := range ids {
		if err := CheckOwnership(caller.UserID, id); err != nil {
			return nil, err
		}
		out = append(out, Attachment{ID: id, ContentType: guessContentType(id)})
	}
	return out, nil
}

var _ Resolver = ReferenceResolver{}
