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
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AleutianAI/pinpoint/services/pinpoint/change"
)

// DefaultIsolateCacheSize is the in-memory isolate cache capacity.
const DefaultIsolateCacheSize = 4096

// LRUIsolateCache is an in-memory IsolateCache, optionally in front of a
// persistent one. Hits in the backing cache are promoted; writes go to
// both.
//
// Thread Safety:
//
//	Safe for concurrent use.
type LRUIsolateCache struct {
	entries *lru.Cache[string, Isolate]
	backing IsolateCache
}

// NewLRUIsolateCache creates the cache. backing may be nil.
func NewLRUIsolateCache(size int, backing IsolateCache) (*LRUIsolateCache, error) {
	if size <= 0 {
		size = DefaultIsolateCacheSize
	}
	entries, err := lru.New[string, Isolate](size)
	if err != nil {
		return nil, fmt.Errorf("create isolate cache: %w", err)
	}
	return &LRUIsolateCache{entries: entries, backing: backing}, nil
}

// GetIsolate implements IsolateCache.
func (c *LRUIsolateCache) GetIsolate(ctx context.Context, builder string, ch change.Change, target string) (Isolate, bool, error) {
	key := IsolateKey(builder, ch, target)
	if iso, ok := c.entries.Get(key); ok {
		return iso, true, nil
	}
	if c.backing == nil {
		return Isolate{}, false, nil
	}
	iso, ok, err := c.backing.GetIsolate(ctx, builder, ch, target)
	if err != nil || !ok {
		return Isolate{}, false, err
	}
	c.entries.Add(key, iso)
	return iso, true, nil
}

// PutIsolate implements IsolateCache.
func (c *LRUIsolateCache) PutIsolate(ctx context.Context, builder string, ch change.Change, target string, iso Isolate) error {
	c.entries.Add(IsolateKey(builder, ch, target), iso)
	if c.backing == nil {
		return nil
	}
	return c.backing.PutIsolate(ctx, builder, ch, target, iso)
}
