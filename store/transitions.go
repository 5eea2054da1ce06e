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

	castore "github.com/go-castore/castore"
	"k8s.io/klog/v2"
)

// Status is the result of Lookup: a State tag, plus the resolved Item when
// the state is Complete.
type Status struct {
	State State
	Item  castore.Item
}

// Query returns only the state tag for h: Missing, Pending, or Complete. It
// does not resolve a completed key to its Item (use Lookup for that), but it
// still validates the complete- link enough to detect corruption: a
// complete-<h> whose target doesn't parse as item-<h'>/, or whose item
// directory no longer exists, returns ErrCorruptedLink.
func (s *Store) Query(h castore.ContentHash) (State, error) {
	var state State
	err := s.withLock(func() error {
		st, _, err := s.queryLocked(h)
		state = st
		return err
	})
	return state, err
}

// queryLocked implements Query's logic; callers must already hold the lock.
// The returned ContentHash is the resolved output hash when state is
// Complete, and is nil otherwise.
func (s *Store) queryLocked(h castore.ContentHash) (State, castore.ContentHash, error) {
	if _, err := os.Lstat(s.path(pendingName(h))); err == nil {
		return Pending, nil, nil
	} else if !os.IsNotExist(err) {
		return Missing, nil, fmt.Errorf("store: failed to stat pending dir: %w", err)
	}

	linkPath := s.path(completeName(h))
	target, err := os.Readlink(linkPath)
	if os.IsNotExist(err) {
		return Missing, nil, nil
	} else if err != nil {
		return Missing, nil, fmt.Errorf("store: failed to read complete- link: %w", err)
	}

	outHash, ok := parseItemTarget(target)
	if !ok {
		return Missing, nil, &castore.ErrCorruptedLink{Hash: h, Target: target}
	}
	if _, err := os.Stat(s.path(itemName(outHash))); os.IsNotExist(err) {
		return Missing, nil, &castore.ErrCorruptedLink{Hash: h, Target: target}
	} else if err != nil {
		return Missing, nil, fmt.Errorf("store: failed to stat item dir: %w", err)
	}
	return Complete, outHash, nil
}

// parseItemTarget parses a complete-<h> symlink target, which is a relative
// path from root/ to item-<h'>/, and extracts h'.
func parseItemTarget(target string) (castore.ContentHash, bool) {
	base := target
	for i := len(target) - 1; i >= 0; i-- {
		if target[i] == '/' {
			base = target[i+1:]
			break
		}
	}
	prefix, h, ok := classifyEntry(base)
	if !ok || prefix != itemPrefix {
		return nil, false
	}
	return h, true
}

// Lookup is like Query but resolves a Complete key to its Item.
func (s *Store) Lookup(h castore.ContentHash) (Status, error) {
	var status Status
	err := s.withLock(func() error {
		st, err := s.lookupLocked(h)
		status = st
		return err
	})
	return status, err
}

func (s *Store) lookupLocked(h castore.ContentHash) (Status, error) {
	state, outHash, err := s.queryLocked(h)
	if err != nil {
		return Status{}, err
	}
	if state != Complete {
		return Status{State: state}, nil
	}
	return Status{
		State: Complete,
		Item: castore.Item{
			Hash: outHash,
			Path: s.path(itemName(outHash)),
		},
	}, nil
}

// LookupOrWait is like Lookup, but when the key is Pending it additionally
// returns a Subscription that will resolve once the key leaves the Pending
// state.
func (s *Store) LookupOrWait(ctx context.Context, h castore.ContentHash) (Status, *Subscription, error) {
	var (
		status Status
		sub    *Subscription
	)
	err := s.withLock(func() error {
		st, err := s.lookupLocked(h)
		if err != nil {
			return err
		}
		status = st
		if st.State == Pending {
			sub = s.subscribeLocked(ctx, h)
		}
		return nil
	})
	return status, sub, err
}

// MarkPending transitions h from Missing to Pending, creating an
// owner-writable pending-<h>/ directory and returning its path. Fails with
// ErrAlreadyPending or ErrAlreadyComplete if h is not currently Missing.
func (s *Store) MarkPending(h castore.ContentHash) (string, error) {
	var buildDir string
	err := s.withLock(func() error {
		dir, err := s.markPendingLocked(h)
		buildDir = dir
		return err
	})
	return buildDir, err
}

func (s *Store) markPendingLocked(h castore.ContentHash) (string, error) {
	state, _, err := s.queryLocked(h)
	if err != nil {
		return "", err
	}
	switch state {
	case Pending:
		return "", &castore.ErrAlreadyPending{Hash: h}
	case Complete:
		return "", &castore.ErrAlreadyComplete{Hash: h}
	}

	dir := s.path(pendingName(h))
	if err := s.withWritableRoot(func() error {
		return os.Mkdir(dir, pendingDirMode)
	}); err != nil {
		return "", fmt.Errorf("store: failed to create pending dir: %w", err)
	}
	klog.V(1).Infof("store: %s -> Pending", h)
	return dir, nil
}

// ConstructIfMissing is an atomic composite: it returns Complete with the
// resolved Item if h is already complete, Pending (with no build directory)
// if h is already pending, or transitions h to Pending and returns the new
// build directory.
func (s *Store) ConstructIfMissing(h castore.ContentHash) (Status, string, error) {
	var (
		status   Status
		buildDir string
	)
	err := s.withLock(func() error {
		st, err := s.lookupLocked(h)
		if err != nil {
			return err
		}
		if st.State != Missing {
			status = st
			return nil
		}
		dir, err := s.markPendingLocked(h)
		if err != nil {
			return err
		}
		status = Status{State: Pending}
		buildDir = dir
		return nil
	})
	return status, buildDir, err
}

// ConstructOrWait is like ConstructIfMissing, but when h is already Pending
// it also returns a Subscription instead of a bare tag.
func (s *Store) ConstructOrWait(ctx context.Context, h castore.ContentHash) (Status, string, *Subscription, error) {
	var (
		status   Status
		buildDir string
		sub      *Subscription
	)
	err := s.withLock(func() error {
		st, err := s.lookupLocked(h)
		if err != nil {
			return err
		}
		switch st.State {
		case Complete:
			status = st
			return nil
		case Pending:
			status = st
			sub = s.subscribeLocked(ctx, h)
			return nil
		}
		dir, err := s.markPendingLocked(h)
		if err != nil {
			return err
		}
		status = Status{State: Pending}
		buildDir = dir
		return nil
	})
	return status, buildDir, sub, err
}

// MarkComplete transitions h from Pending to Complete: it seals the pending
// directory, hashes it, discards it in favour of an existing identical item
// (dedup hit) or renames it into place, installs the complete-<h> symlink,
// and returns the resulting Item. Fails with ErrNotPending or
// ErrAlreadyComplete if h is not currently Pending.
func (s *Store) MarkComplete(ctx context.Context, h castore.ContentHash) (castore.Item, error) {
	var item castore.Item
	err := s.withLock(func() error {
		it, err := s.markCompleteLocked(ctx, h)
		item = it
		return err
	})
	if err == nil {
		s.notifier.notifyComplete(h, item)
	}
	return item, err
}

func (s *Store) markCompleteLocked(ctx context.Context, h castore.ContentHash) (castore.Item, error) {
	state, _, err := s.queryLocked(h)
	if err != nil {
		return castore.Item{}, err
	}
	switch state {
	case Missing:
		return castore.Item{}, &castore.ErrNotPending{Hash: h}
	case Complete:
		return castore.Item{}, &castore.ErrAlreadyComplete{Hash: h}
	}

	return s.sealAndInstall(ctx, h)
}

// RemoveFailed transitions h from Pending to Missing, recursively removing
// the pending directory. Fails with ErrNotPending or ErrAlreadyComplete
// otherwise.
func (s *Store) RemoveFailed(h castore.ContentHash) error {
	err := s.withLock(func() error {
		state, _, err := s.queryLocked(h)
		if err != nil {
			return err
		}
		switch state {
		case Missing:
			return &castore.ErrNotPending{Hash: h}
		case Complete:
			return &castore.ErrAlreadyComplete{Hash: h}
		}
		return s.withWritableRoot(func() error {
			return removeAll(s.path(pendingName(h)))
		})
	})
	if err == nil {
		s.notifier.notifyFailed(h)
	}
	return err
}

// RemoveForcibly removes whatever exists for h — a pending directory or a
// complete- link — with no precondition on its current state. It never
// touches an item directory, since items may be shared between keys.
func (s *Store) RemoveForcibly(h castore.ContentHash) error {
	err := s.withLock(func() error {
		state, _, err := s.queryLocked(h)
		if err != nil {
			if _, ok := err.(*castore.ErrCorruptedLink); !ok {
				return err
			}
			state = Complete
		}
		return s.withWritableRoot(func() error {
			switch state {
			case Pending:
				return removeAll(s.path(pendingName(h)))
			case Complete:
				return removeAll(s.path(completeName(h)))
			default:
				return nil
			}
		})
	})
	if err == nil {
		s.notifier.notifyFailed(h)
	}
	return err
}

// RemoveItemForcibly removes an item directory outright. Any complete-
// links still pointing at it are left dangling; the store performs no
// garbage collection, so subsequent Query/Lookup calls on those keys will
// return ErrCorruptedLink.
func (s *Store) RemoveItemForcibly(item castore.ContentHash) error {
	return s.withLock(func() error {
		return s.withWritableRoot(func() error {
			return removeAll(s.path(itemName(item)))
		})
	})
}
