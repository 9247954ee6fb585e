// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSFetcher downloads gs:// trace references into a scratch
// directory.
type GCSFetcher struct {
	client     *storage.Client
	scratchDir string
}

// NewGCSFetcher creates a fetcher. With an empty credentials path,
// application default credentials are used. An empty scratch directory
// means the OS temp dir; either way the directory is created if it
// doesn't exist.
func NewGCSFetcher(ctx context.Context, credentialsFile, scratchDir string) (*GCSFetcher, error) {
	scratchDir, err := ensureScratchDir(scratchDir)
	if err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &GCSFetcher{client: client, scratchDir: scratchDir}, nil
}

// ensureScratchDir resolves the fetcher's scratch directory and makes
// sure it exists. Empty falls back to the OS temp dir, matching the
// parser's scratch handling.
func ensureScratchDir(scratchDir string) (string, error) {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	if err := os.MkdirAll(scratchDir, 0750); err != nil {
		return "", fmt.Errorf("create scratch directory %s: %w", scratchDir, err)
	}
	return scratchDir, nil
}

// Fetch implements Fetcher for gs://bucket/object references.
func (f *GCSFetcher) Fetch(ctx context.Context, remote string) (string, error) {
	bucket, object, err := splitGCSPath(remote)
	if err != nil {
		return "", err
	}

	reader, err := f.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("open gs://%s/%s: %w", bucket, object, err)
	}
	defer reader.Close()

	local, err := os.CreateTemp(f.scratchDir, filepath.Base(object)+".*")
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	defer local.Close()

	if _, err := io.Copy(local, reader); err != nil {
		os.Remove(local.Name())
		return "", fmt.Errorf("download gs://%s/%s: %w", bucket, object, err)
	}
	return local.Name(), nil
}

// Close releases the underlying GCS client.
func (f *GCSFetcher) Close() error {
	return f.client.Close()
}

// splitGCSPath splits "gs://bucket/path/to/object" into its bucket and
// object parts.
func splitGCSPath(remote string) (bucket, object string, err error) {
	trimmed := strings.TrimPrefix(remote, "gs://")
	if trimmed == remote {
		return "", "", fmt.Errorf("not a gs:// reference: %s", remote)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed gs:// reference: %s", remote)
	}
	return parts[0], parts[1], nil
}
