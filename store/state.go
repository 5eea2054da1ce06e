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
	"fmt"
	"os"
	"strings"

	castore "github.com/go-castore/castore"
)

// State is the logical state of a single key, as returned by Query.
type State int

const (
	// Missing means no on-disk artifact exists for the key.
	Missing State = iota
	// Pending means root/pending-<hash>/ exists and is writable by owner.
	Pending
	// Complete means root/complete-<hash> exists and resolves to an item.
	Complete
)

func (s State) String() string {
	switch s {
	case Missing:
		return "Missing"
	case Pending:
		return "Pending"
	case Complete:
		return "Complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	pendingPrefix  = "pending-"
	completePrefix = "complete-"
	itemPrefix     = "item-"

	// writableDirMode is root/'s mode while a mutation is in flight: the
	// owner-write bit is the store's "mutating" flag.
	writableDirMode os.FileMode = 0o755
	// readOnlyRootDirMode is root/'s at-rest mode: owner-write cleared.
	readOnlyRootDirMode = writableDirMode &^ 0o200

	// pendingDirMode is applied to a freshly created pending directory;
	// sealing clears the write bits again at mark_complete time.
	pendingDirMode os.FileMode = 0o755
)

func pendingName(h castore.ContentHash) string  { return pendingPrefix + h.String() }
func completeName(h castore.ContentHash) string { return completePrefix + h.String() }
func itemName(h castore.ContentHash) string     { return itemPrefix + h.String() }

// classifyEntry strips a known top-level prefix from name and parses the
// remainder as a ContentHash. ok is false for entries that don't match any
// known prefix (e.g. "lock") or whose remainder doesn't parse as a hash;
// ListAll silently skips such entries rather than treating them as an
// error. (Query's complete- link check, by contrast, reports an
// unparseable link target as ErrCorruptedLink.)
func classifyEntry(name string) (prefix string, h castore.ContentHash, ok bool) {
	for _, p := range []string{pendingPrefix, completePrefix, itemPrefix} {
		if rest, found := strings.CutPrefix(name, p); found {
			parsed, err := castore.ParseContentHash(rest)
			if err != nil {
				return p, nil, false
			}
			return p, parsed, true
		}
	}
	return "", nil, false
}

// ListResult is the result of Store.ListAll: the three disjoint sequences of
// hashes found at the top level of the store, one per prefix. Ordering
// within each sequence is unspecified.
type ListResult struct {
	Pending  []castore.ContentHash
	Complete []castore.ContentHash
	Items    []castore.ContentHash
}

// ListAll enumerates the store's top-level entries with a single directory
// read, classifying each into Pending, Complete, or Items.
func (s *Store) ListAll(_ context.Context) (ListResult, error) {
	var result ListResult
	err := s.withLock(func() error {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			return fmt.Errorf("store: failed to read root: %w", err)
		}
		for _, e := range entries {
			prefix, h, ok := classifyEntry(e.Name())
			if !ok {
				continue
			}
			switch prefix {
			case pendingPrefix:
				result.Pending = append(result.Pending, h)
			case completePrefix:
				result.Complete = append(result.Complete, h)
			case itemPrefix:
				result.Items = append(result.Items, h)
			}
		}
		return nil
	})
	return result, err
}
