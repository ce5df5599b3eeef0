// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ObjectReader reads whole objects from a bucket.
type ObjectReader interface {
	ReadObject(ctx context.Context, bucket, name string) ([]byte, error)
}

// GCSReader implements ObjectReader with Google Cloud Storage.
type GCSReader struct {
	client *storage.Client
}

// NewGCSReader creates a GCS-backed object reader. With credentialsFile
// empty, application default credentials are used.
func NewGCSReader(ctx context.Context, credentialsFile string, opts ...option.ClientOption) (*GCSReader, error) {
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	return &GCSReader{client: client}, nil
}

// ReadObject implements ObjectReader.
func (g *GCSReader) ReadObject(ctx context.Context, bucket, name string) ([]byte, error) {
	r, err := g.client.Bucket(bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, bucket, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open gs://%s/%s: %v", ErrTransient, bucket, name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read gs://%s/%s: %v", ErrTransient, bucket, name, err)
	}
	return data, nil
}

// Close releases the storage client.
func (g *GCSReader) Close() error {
	return g.client.Close()
}

// CASStore resolves CAS trees kept in a bucket. Each instance is a prefix;
// blobs live at "<instance>/blobs/<hash>". A directory blob is a JSON
// document listing its child directories and files by digest.
type CASStore struct {
	objects ObjectReader
	bucket  string
}

// NewCASStore creates a CAS store over bucket.
func NewCASStore(objects ObjectReader, bucket string) *CASStore {
	return &CASStore{objects: objects, bucket: bucket}
}

type casNode struct {
	Name   string    `json:"name"`
	Digest CASDigest `json:"digest"`
}

type casDirectory struct {
	Directories []casNode `json:"directories"`
	Files       []casNode `json:"files"`
}

// RetrieveCAS walks p from root and returns the file at its end.
func (c *CASStore) RetrieveCAS(ctx context.Context, root CASReference, p []string) ([]byte, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidInput)
	}
	if root.Digest.Hash == "" {
		return nil, fmt.Errorf("%w: root digest is required", ErrInvalidInput)
	}

	dir, err := c.directory(ctx, root.Instance, root.Digest)
	if err != nil {
		return nil, err
	}
	for _, name := range p[:len(p)-1] {
		node, ok := findNode(dir.Directories, name)
		if !ok {
			return nil, fmt.Errorf("%w: directory %q in %s", ErrNotFound, name, path.Join(p...))
		}
		if dir, err = c.directory(ctx, root.Instance, node.Digest); err != nil {
			return nil, err
		}
	}
	file, ok := findNode(dir.Files, p[len(p)-1])
	if !ok {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, path.Join(p...))
	}
	return c.blob(ctx, root.Instance, file.Digest)
}

func (c *CASStore) blob(ctx context.Context, instance string, d CASDigest) ([]byte, error) {
	return c.objects.ReadObject(ctx, c.bucket, path.Join(instance, "blobs", d.Hash))
}

func (c *CASStore) directory(ctx context.Context, instance string, d CASDigest) (casDirectory, error) {
	data, err := c.blob(ctx, instance, d)
	if err != nil {
		return casDirectory{}, err
	}
	var dir casDirectory
	if err := json.Unmarshal(data, &dir); err != nil {
		return casDirectory{}, fmt.Errorf("%w: decode directory %s: %v", ErrPermanent, d.Hash, err)
	}
	return dir, nil
}

func findNode(nodes []casNode, name string) (casNode, bool) {
	for _, n := range nodes {
		if n.Name == name {
			return n, true
		}
	}
	return casNode{}, false
}
