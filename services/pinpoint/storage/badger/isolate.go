// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/pinpoint/services/pinpoint/change"
	"github.com/AleutianAI/pinpoint/services/pinpoint/clients"
)

const isolatePrefix = "isolate/"

// IsolateCache is a persistent clients.IsolateCache. Entries optionally
// expire after a TTL.
//
// Thread Safety:
//
//	Safe for concurrent use.
type IsolateCache struct {
	db  *DB
	ttl time.Duration
}

var _ clients.IsolateCache = (*IsolateCache)(nil)

// NewIsolateCache creates the cache. A zero ttl keeps entries forever.
func NewIsolateCache(db *DB, ttl time.Duration) *IsolateCache {
	return &IsolateCache{db: db, ttl: ttl}
}

func isolateKey(builder string, c change.Change, target string) []byte {
	return []byte(isolatePrefix + clients.IsolateKey(builder, c, target))
}

// GetIsolate implements clients.IsolateCache.
func (c *IsolateCache) GetIsolate(ctx context.Context, builder string, ch change.Change, target string) (clients.Isolate, bool, error) {
	var iso clients.Isolate
	found := false
	err := c.db.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(isolateKey(builder, ch, target))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &iso)
		})
	})
	if err != nil {
		return clients.Isolate{}, false, fmt.Errorf("read isolate cache: %w", err)
	}
	return iso, found, nil
}

// PutIsolate implements clients.IsolateCache.
func (c *IsolateCache) PutIsolate(ctx context.Context, builder string, ch change.Change, target string, iso clients.Isolate) error {
	data, err := json.Marshal(iso)
	if err != nil {
		return fmt.Errorf("marshal isolate: %w", err)
	}
	return c.db.update(ctx, func(txn *badger.Txn) error {
		e := badger.NewEntry(isolateKey(builder, ch, target), data)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}
