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

// sealAndInstall implements steps 2-5 of mark_complete: it seals h's pending
// directory read-only, hashes it via the configured Hasher, and either
// discards it in favour of an existing identical item (a dedup hit) or
// renames it into place as the new item, before installing the complete-<h>
// link. Callers must have already verified h is Pending and be holding the
// store's nested lock.
func (s *Store) sealAndInstall(ctx context.Context, h castore.ContentHash) (castore.Item, error) {
	build := s.path(pendingName(h))
	if err := seal(build); err != nil {
		return castore.Item{}, fmt.Errorf("store: failed to seal %q: %w", build, err)
	}

	outHash, err := s.opts.Hasher.Hash(ctx, build)
	if err != nil {
		return castore.Item{}, fmt.Errorf("store: failed to hash %q: %w", build, err)
	}

	final := s.path(itemName(outHash))
	dedupHit, err := isDedupHit(final)
	if err != nil {
		return castore.Item{}, err
	}

	if err := s.withWritableRoot(func() error {
		if dedupHit {
			klog.V(1).Infof("store: dedup hit for %s -> %s, discarding freshly built tree", h, outHash)
			if err := removeAll(build); err != nil {
				return err
			}
		} else if err := os.Rename(build, final); err != nil {
			return fmt.Errorf("store: failed to rename %q to %q: %w", build, final, err)
		}

		// complete-<h> and item-<h'> both live at the top level of root/, so
		// the relative target is simply the item-'s own name: no directory
		// traversal is needed for the link to stay valid if root/ moves.
		if err := os.Symlink(itemName(outHash), s.path(completeName(h))); err != nil {
			return fmt.Errorf("store: failed to create complete- link: %w", err)
		}
		return nil
	}); err != nil {
		return castore.Item{}, err
	}

	klog.V(1).Infof("store: %s -> Complete(%s)", h, outHash)
	return castore.Item{Hash: outHash, Path: final}, nil
}

// isDedupHit reports whether an item directory already exists at final: the
// dedup test is a single stat, and a positive hit means the winner is
// whichever tree arrived first.
func isDedupHit(final string) (bool, error) {
	if _, err := os.Lstat(final); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("store: failed to stat %q: %w", final, err)
	}
	return false, nil
}
