// Copyright 2024 The Tessera authors. All Rights Reserved.
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

package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	castore "github.com/go-castore/castore"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// testHash derives a deterministic ContentHash from a short label, so tests
// can refer to "the hash for key a" without hand-computing digests.
func testHash(t *testing.T, label string) castore.ContentHash {
	t.Helper()
	sum := sha256.Sum256([]byte(label))
	return castore.ContentHash(sum[:])
}

// fakeHasher lets tests pin the output hash of a specific build directory
// (to force or avoid a dedup hit), falling back to hashing the sorted list
// of entry names beneath dir so that structurally identical trees
// naturally collide without every test needing to call set.
type fakeHasher struct {
	mu   sync.Mutex
	pins map[string]castore.ContentHash
}

func newFakeHasher() *fakeHasher {
	return &fakeHasher{pins: map[string]castore.ContentHash{}}
}

func (f *fakeHasher) set(dir string, h castore.ContentHash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins[dir] = h
}

func (f *fakeHasher) Hash(_ context.Context, dir string) (castore.ContentHash, error) {
	f.mu.Lock()
	if h, ok := f.pins[dir]; ok {
		f.mu.Unlock()
		return h, nil
	}
	f.mu.Unlock()

	var names []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		names = append(names, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	h := sha256.New()
	for _, n := range names {
		fmt.Fprintf(h, "%s\n", n)
	}
	sum := h.Sum(nil)
	return castore.ContentHash(sum), nil
}

// newTestStore opens a Store rooted at a fresh t.TempDir, backed by a
// fakeHasher the test can use to control dedup outcomes.
func newTestStore(t *testing.T) (*Store, *fakeHasher) {
	t.Helper()
	hasher := newFakeHasher()
	s, err := Open(t.Context(), t.TempDir(), WithHasher(hasher), WithPollInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s, hasher
}

// cmpHashSliceOpts sorts ContentHash slices before comparing, since
// ListAll's ordering within each bucket is unspecified.
func cmpHashSliceOpts() []cmp.Option {
	return []cmp.Option{
		cmpopts.SortSlices(func(a, b castore.ContentHash) bool { return a.String() < b.String() }),
		cmp.Comparer(func(a, b castore.ContentHash) bool { return a.Equal(b) }),
	}
}

// await blocks on sub with a generous test timeout, failing the test on
// timeout rather than hanging the suite forever.
func await(t *testing.T, sub *Subscription) Resolution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := sub.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	return r
}
