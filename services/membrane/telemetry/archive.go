// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/membrane/services/membrane"
	"github.com/AleutianAI/membrane/services/membrane/config"
)

// ObjectOpener opens a writer for one object. Close commits it.
type ObjectOpener interface {
	NewWriter(ctx context.Context, name string) io.WriteCloser
}

// ArchiveSink writes each snapshot as one JSON object.
type ArchiveSink struct {
	client *storage.Client
	opener ObjectOpener
	prefix string
}

type bucketOpener struct {
	bucket *storage.BucketHandle
}

func (b bucketOpener) NewWriter(ctx context.Context, name string) io.WriteCloser {
	w := b.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	return w
}

// NewArchiveSink connects to Cloud Storage.
func NewArchiveSink(ctx context.Context, cfg config.ArchiveConfig) (*ArchiveSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive sink: empty bucket")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &ArchiveSink{client: client, opener: bucketOpener{client.Bucket(cfg.Bucket)}, prefix: cfg.Prefix}, nil
}

// NewArchiveSinkWithOpener wraps an existing opener.
func NewArchiveSinkWithOpener(o ObjectOpener, prefix string) *ArchiveSink {
	return &ArchiveSink{opener: o, prefix: prefix}
}

// ObjectName is <prefix>/<instance>/<unix nanos>.json. Names sort by time
// within an instance.
func ObjectName(prefix string, snap membrane.Snapshot) string {
	return path.Join(prefix, snap.InstanceID, fmt.Sprintf("%020d.json", snap.TakenAt.UnixNano()))
}

// WriteSnapshot implements SnapshotSink.
func (s *ArchiveSink) WriteSnapshot(ctx context.Context, snap membrane.Snapshot) error {
	name := ObjectName(s.prefix, snap)
	w := s.opener.NewWriter(ctx, name)
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		_ = w.Close()
		return fmt.Errorf("encode snapshot %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("commit snapshot %s: %w", name, err)
	}
	return nil
}

// Close releases the client.
func (s *ArchiveSink) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
