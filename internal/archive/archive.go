// Package archive persists the payloads of successful fetches to blob
// storage. Keys are content addressed so repeated fetches of an unchanged
// page land on the same object.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchgate/internal/fetch"
)

// DefaultContentType is used when the payload carries no Content-Type header.
const DefaultContentType = "text/html; charset=utf-8"

// BlobStore writes an object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Archiver writes successful outcome payloads to a BlobStore.
type Archiver struct {
	store  BlobStore
	prefix string
	logger *zap.Logger
}

// New builds an Archiver. prefix may be empty.
func New(store BlobStore, prefix string, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}, nil
}

// Key derives the object path for a payload: <prefix>/<host>/<sha256>.html.
func (a *Archiver) Key(target string, body []byte) string {
	sum := sha256.Sum256(body)
	host := "unknown"
	if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	return path.Join(a.prefix, host, hex.EncodeToString(sum[:])+".html")
}

// Archive stores the payload of a successful outcome. Outcomes of any other
// kind are skipped and yield an empty URI.
func (a *Archiver) Archive(ctx context.Context, outcome fetch.Outcome) (string, error) {
	if !outcome.OK() || outcome.Payload == nil {
		return "", nil
	}
	payload := outcome.Payload
	contentType := payload.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}
	key := a.Key(outcome.Request.Target, payload.Body)
	uri, err := a.store.PutObject(ctx, key, contentType, bytes.NewReader(payload.Body))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", outcome.Request.Target, err)
	}
	a.logger.Debug("archived payload",
		zap.String("request_id", outcome.Request.ID),
		zap.String("uri", uri),
		zap.Int("bytes", len(payload.Body)),
	)
	return uri, nil
}
