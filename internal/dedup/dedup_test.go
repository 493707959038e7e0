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

package dedup

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestFilter(t *testing.T) (*Filter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFilter(rdb), mr
}

func TestSeenOnlyAfterMark(t *testing.T) {
	f, _ := newTestFilter(t)
	ctx := context.Background()

	seen, err := f.Seen(ctx, 7, "m-1", "rfi.answered")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen {
		t.Error("nothing marked yet, should not be seen")
	}

	// Seen is a pure check: repeating it must not claim the key.
	seen, err = f.Seen(ctx, 7, "m-1", "rfi.answered")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen {
		t.Error("checking must not claim the key")
	}

	if err := f.Mark(ctx, 7, "m-1", "rfi.answered"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seen, err = f.Seen(ctx, 7, "m-1", "rfi.answered")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !seen {
		t.Error("marked key should be seen")
	}
}

func TestKeysAreScoped(t *testing.T) {
	f, _ := newTestFilter(t)
	ctx := context.Background()

	if err := f.Mark(ctx, 7, "m-1", "rfi.answered"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Different RFI, message, or event: all independent.
	for _, tt := range []struct {
		rfiID int64
		msg   string
		event string
	}{
		{8, "m-1", "rfi.answered"},
		{7, "m-2", "rfi.answered"},
		{7, "m-1", "rfi.closed"},
	} {
		seen, err := f.Seen(ctx, tt.rfiID, tt.msg, tt.event)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seen {
			t.Errorf("(%d, %s, %s) should be independent of the marked key", tt.rfiID, tt.msg, tt.event)
		}
	}
}

func TestSeenAfterExpiry(t *testing.T) {
	f, mr := newTestFilter(t)
	ctx := context.Background()

	if err := f.Mark(ctx, 7, "m-1", "rfi.answered"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mr.FastForward(DefaultTTL)

	seen, err := f.Seen(ctx, 7, "m-1", "rfi.answered")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen {
		t.Error("expired key should no longer suppress")
	}
}
