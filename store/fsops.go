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
	"fmt"
	"os"
	"path/filepath"
)

// withWritableRoot toggles root/'s owner-write bit on for the duration of
// fn, restoring it to readOnlyRootDirMode on every exit path, including a
// panic propagating out of fn (the deferred restore runs as the panic
// unwinds; the panic is not recovered).
//
// Every transition that mutates root/'s immediate children (creating a
// pending-/complete-/item- entry, or removing one) must run inside this
// scope. Callers are expected to already hold Store's full nested lock.
func (s *Store) withWritableRoot(fn func() error) (err error) {
	if err := os.Chmod(s.root, writableDirMode); err != nil {
		return fmt.Errorf("store: failed to make root writable: %w", err)
	}

	defer func() {
		if cerr := os.Chmod(s.root, readOnlyRootDirMode); cerr != nil && err == nil {
			err = fmt.Errorf("store: failed to restore root to read-only: %w", cerr)
		}
	}()

	if err := fn(); err != nil {
		return err
	}
	return syncDir(s.root)
}

// seal recursively clears the owner, group, and other write bits on every
// regular file and directory beneath (and including) dir, processing
// children before their parent directory so that a parent's write bit isn't
// cleared while its children still need chmod'ing underneath it.
func seal(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("store: failed to read %q while sealing: %w", dir, err)
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if err := seal(p); err != nil {
				return err
			}
			continue
		}
		if err := clearWriteBits(p); err != nil {
			return err
		}
	}
	return clearWriteBits(dir)
}

func clearWriteBits(p string) error {
	info, err := os.Lstat(p)
	if err != nil {
		return fmt.Errorf("store: failed to stat %q while sealing: %w", p, err)
	}
	// Symlinks have no meaningful permission bits of their own to clear;
	// their target (if any) is sealed via its own tree-walk entry.
	if info.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	mode := info.Mode().Perm() &^ 0o222
	if err := os.Chmod(p, mode); err != nil {
		return fmt.Errorf("store: failed to seal %q: %w", p, err)
	}
	return nil
}

// removeAll is a thin wrapper so the engine's call sites read as domain
// operations rather than raw os calls; kept distinct from os.RemoveAll so
// failure messages carry store-specific context.
func removeAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("store: failed to remove %q: %w", path, err)
	}
	return nil
}

// syncDir fsyncs dir so that the rename/symlink/mkdir/remove calls made
// against its entries during the preceding withWritableRoot scope are
// durable before the root is chmod'd back to read-only. A crash between the
// chmod-writable and this sync would otherwise leave root/ writable with no
// record of why.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("store: failed to open %q to sync: %w", dir, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("store: failed to sync %q: %w", dir, err)
	}
	return nil
}
