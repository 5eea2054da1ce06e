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

// Package store implements castore's content-addressed filesystem engine:
// the on-disk state machine, the nested lock protocol, the query/transition
// operations, dedup-on-completion, and the change notifier. See the package
// comment on castore for the conceptual overview; this package is where the
// invariants live.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	castore "github.com/go-castore/castore"
	"k8s.io/klog/v2"
)

const (
	filePerm = 0o644

	lockFileName = "lock"

	// defaultPollInterval is the periodic safety-net poll used by the
	// notifier to catch transitions that a watched filesystem either
	// delivered no event for or delivered one that got dropped (network
	// mounts are the common case). See Store.notifier in notify.go.
	defaultPollInterval = 10 * time.Minute
)

// Hasher computes the content hash of a completed directory tree. It is the
// store's sole external collaborator, consumed as an opaque pure function:
// deterministic over the tree's filenames and file contents, and must not
// observe permission bits beyond the write-bit-off state left by sealing.
//
// Hasher currently does not fold the executable bit into its digest; this is
// a known, documented limitation of the current Hasher contract, not a
// resolved design choice.
type Hasher interface {
	Hash(ctx context.Context, dir string) (castore.ContentHash, error)
}

// Options configures a Store. Callers build it up via Option funcs rather
// than setting fields directly, so new knobs can be added later without
// breaking existing call sites.
type Options struct {
	// Hasher computes the output hash of a sealed pending directory. Required.
	Hasher Hasher

	// PollInterval is the notifier's safety-net poll period. Defaults to
	// defaultPollInterval if zero.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	return o
}

// Option mutates an Options during Open.
type Option func(*Options)

// WithHasher sets the Hasher used to compute a sealed tree's output hash.
// Required: Open fails if no Option supplies one.
func WithHasher(h Hasher) Option {
	return func(o *Options) { o.Hasher = h }
}

// WithPollInterval overrides the notifier's safety-net poll period.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) { o.PollInterval = d }
}

// Store is a handle onto a content-addressed store rooted at a single
// directory. One Store handle should be used per root per process; opening
// a second handle on the same root from the same process is undefined
// behaviour, since the process-local half of the nested lock (see
// withLock) only excludes other goroutines sharing this handle, not a
// second handle opened against the same root. Avoiding that is the
// caller's responsibility.
//
// Every public operation on Store runs entirely inside the nested lock
// described in lock_unix.go: the process-local mutex first, then the
// advisory file lock. Close releases both, plus the notifier, and forbids
// further use of the handle.
type Store struct {
	root string
	opts Options

	// mu is the process-local half of the nested lock. It must be held
	// before acquiring the file lock, and released after releasing it.
	mu sync.Mutex

	lockFile *os.File

	notifier *notifier

	closed bool
}

// Open opens (creating if necessary) a content-addressed store rooted at
// root. Whether root is newly created or already existed, it is left in its
// at-rest mode (owner-write disabled) once the lock file exists inside it.
// WithHasher is required; every other Option has a usable default.
func Open(ctx context.Context, root string, opt ...Option) (*Store, error) {
	var opts Options
	for _, o := range opt {
		o(&opts)
	}
	opts = opts.withDefaults()
	if opts.Hasher == nil {
		return nil, fmt.Errorf("store: WithHasher must be provided")
	}

	if err := os.MkdirAll(root, writableDirMode); err != nil {
		return nil, fmt.Errorf("store: failed to create root %q: %w", root, err)
	}

	lf, err := os.OpenFile(filepath.Join(root, lockFileName), os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open lock file: %w", err)
	}
	// The lock file may have just been created, which needs root writable.
	// MkdirAll is a no-op if root already existed, which may have left it
	// with a stale writable bit from a previous crash mid-mutation; either
	// way, force it to the at-rest mode now.
	if err := os.Chmod(root, readOnlyRootDirMode); err != nil {
		_ = lf.Close()
		return nil, fmt.Errorf("store: failed to normalize root mode %q: %w", root, err)
	}

	s := &Store{
		root:     root,
		opts:     opts,
		lockFile: lf,
	}
	s.notifier = newNotifier(s, opts.PollInterval)

	klog.V(1).Infof("store: opened %q", root)
	return s, nil
}

// Close releases the store's file lock and tears down its notifier. After
// Close returns, every query, transition and listing method on Store returns
// ErrClosed; a second Close returns nil.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.notifier.close()
	err := s.lockFile.Close()
	klog.V(1).Infof("store: closed %q", s.root)
	return err
}

// Root returns the absolute path of the store's root directory.
func (s *Store) Root() string { return s.root }

// withLock runs fn under the store's full nested lock: the process mutex,
// then the advisory file lock on root/lock, released in reverse order. Every
// public query/transition operation funnels through this single entry
// point; the lock is never released and re-acquired mid-operation.
func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &castore.ErrClosed{}
	}

	unlock, err := lockExclusive(s.lockFile)
	if err != nil {
		return fmt.Errorf("store: failed to acquire file lock: %w", err)
	}
	defer func() {
		if err := unlock(); err != nil {
			klog.Warningf("store: failed to release file lock: %v", err)
		}
	}()

	return fn()
}

func (s *Store) path(name string) string {
	return filepath.Join(s.root, name)
}
