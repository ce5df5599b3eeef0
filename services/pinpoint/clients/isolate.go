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
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const isolateAPI = "/_ah/api/isolateservice/v1/retrieve"

// DefaultBlobCacheSize is the number of isolate blobs kept in memory.
const DefaultBlobCacheSize = 256

// IsolateServer fetches blobs from an isolate server. Blobs are content
// addressed, so they are cached by digest without expiry.
type IsolateServer struct {
	transport *transport
	blobs     *lru.Cache[string, []byte]
}

// NewIsolateServer creates an isolate adapter with a blob cache of
// cacheSize entries (DefaultBlobCacheSize if not positive).
func NewIsolateServer(cacheSize int, opts HTTPOptions) (*IsolateServer, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultBlobCacheSize
	}
	blobs, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create blob cache: %w", err)
	}
	return &IsolateServer{transport: newTransport("isolate", opts), blobs: blobs}, nil
}

type isolateRetrieveRequest struct {
	Digest    string `json:"digest"`
	Namespace struct {
		Namespace string `json:"namespace"`
	} `json:"namespace"`
}

type isolateRetrieveResponse struct {
	Content string `json:"content"`
	URL     string `json:"url"`
}

// Retrieve returns the blob with the given digest.
func (s *IsolateServer) Retrieve(ctx context.Context, server, digest string) ([]byte, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if server == "" || digest == "" {
		return nil, fmt.Errorf("%w: server and digest are required", ErrInvalidInput)
	}
	key := server + "\x00" + digest
	if blob, ok := s.blobs.Get(key); ok {
		return blob, nil
	}

	req := isolateRetrieveRequest{Digest: digest}
	req.Namespace.Namespace = "default-gzip"
	var resp isolateRetrieveResponse
	if err := s.transport.postJSON(ctx, strings.TrimRight(server, "/")+isolateAPI, req, &resp); err != nil {
		return nil, err
	}

	var raw []byte
	switch {
	case resp.Content != "":
		decoded, err := base64.StdEncoding.DecodeString(resp.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: isolate: decode content: %v", ErrPermanent, err)
		}
		raw = decoded
	case resp.URL != "":
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, resp.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: create request: %v", ErrInvalidInput, err)
		}
		body, err := s.transport.do(ctx, httpReq)
		if err != nil {
			return nil, err
		}
		raw = body
	default:
		return nil, fmt.Errorf("%w: isolate: empty response for %s", ErrPermanent, digest)
	}

	blob, err := inflate(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: isolate: inflate %s: %v", ErrPermanent, digest, err)
	}
	s.blobs.Add(key, blob)
	return blob, nil
}

// inflate undoes the zlib compression of the default-gzip namespace.
func inflate(raw []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// isolatedManifest is the .isolated file listing a tree's files.
type isolatedManifest struct {
	Files map[string]struct {
		Hash string `json:"h"`
	} `json:"files"`
}

// RetrieveIsolated returns filename from the isolated tree digest.
func (s *IsolateServer) RetrieveIsolated(ctx context.Context, server, digest, filename string) ([]byte, error) {
	data, err := s.Retrieve(ctx, server, digest)
	if err != nil {
		return nil, err
	}
	var manifest isolatedManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: isolate: decode manifest %s: %v", ErrPermanent, digest, err)
	}

	entry, ok := manifest.Files[filename]
	if !ok && strings.Contains(filename, "performance_browser_tests") {
		// Some builders publish the browser test results under the
		// unprefixed name.
		entry, ok = manifest.Files[strings.ReplaceAll(filename, "performance_browser_tests", "browser_tests")]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s not in isolate %s", ErrNotFound, filename, digest)
	}
	return s.Retrieve(ctx, server, entry.Hash)
}

// =============================================================================
// Combined retriever
// =============================================================================

// Blobs implements Retriever by routing isolate lookups to an isolate
// server and CAS lookups to a CAS store. Either may be nil, in which case
// lookups of that kind fail with ErrPermanent.
type Blobs struct {
	Isolate *IsolateServer
	CAS     *CASStore
}

// RetrieveIsolated implements Retriever.
func (b *Blobs) RetrieveIsolated(ctx context.Context, server, digest, filename string) ([]byte, error) {
	if b.Isolate == nil {
		return nil, fmt.Errorf("%w: no isolate server configured", ErrPermanent)
	}
	return b.Isolate.RetrieveIsolated(ctx, server, digest, filename)
}

// RetrieveCAS implements Retriever.
func (b *Blobs) RetrieveCAS(ctx context.Context, root CASReference, path []string) ([]byte, error) {
	if b.CAS == nil {
		return nil, fmt.Errorf("%w: no CAS store configured", ErrPermanent)
	}
	return b.CAS.RetrieveCAS(ctx, root, path)
}
