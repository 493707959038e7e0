// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dedup provides notification suppression using a Redis SET with
// TTL. Webhook deliveries are at-least-once, and while the response record
// is protected by a storage constraint, notifications are not — this
// filter keeps a redelivered email from notifying the same people twice.
// It is best-effort only; correctness never depends on it.
//
// Checking and claiming are separate so the key is only set once delivery
// actually succeeded: a failed publish must stay eligible for the next
// attempt. Two racing redeliveries can both pass Seen and notify twice;
// that beats a claimed key silencing a notification that never went out.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember a dispatched notification.
	// Redeliveries arrive within minutes; 24h is comfortably past that.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces suppression keys in Redis.
	keyPrefix = "rfimail:notified:"
)

// Filter tracks which notifications have already been dispatched.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a suppression filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// Seen reports whether a notification has already been dispatched for
// this (rfiID, sourceMessageID, event) triple.
func (f *Filter) Seen(ctx context.Context, rfiID int64, sourceMessageID, event string) (bool, error) {
	n, err := f.rdb.Exists(ctx, suppressionKey(rfiID, sourceMessageID, event)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup EXISTS: %w", err)
	}
	return n > 0, nil
}

// Mark records a successfully dispatched notification. Call only after
// the publish succeeded.
func (f *Filter) Mark(ctx context.Context, rfiID int64, sourceMessageID, event string) error {
	if err := f.rdb.Set(ctx, suppressionKey(rfiID, sourceMessageID, event), 1, f.ttl).Err(); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}

func suppressionKey(rfiID int64, sourceMessageID, event string) string {
	return fmt.Sprintf("%s%d:%s:%s", keyPrefix, rfiID, sourceMessageID, event)
}
