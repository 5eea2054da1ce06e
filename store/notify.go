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
	"errors"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	castore "github.com/go-castore/castore"
	"k8s.io/klog/v2"
)

// Resolution is the terminal outcome delivered to a Subscription: either the
// key completed (Item populated) or it left Pending some other way
// (Failed), e.g. remove_failed or remove_forcibly.
type Resolution struct {
	Item   castore.Item
	Failed bool
}

// Subscription is a one-shot handle on the eventual resolution of a pending
// key, as returned by LookupOrWait and ConstructOrWait. It resolves exactly
// once, either because some actor completed or removed the key, or because
// the caller's context was cancelled first.
type Subscription struct {
	ch   chan Resolution
	n    *notifier
	hash castore.ContentHash
}

// Await blocks until the subscription resolves or ctx is done, whichever
// happens first. A context cancellation drops this subscription's resolver
// slot; if it was the last one waiting on the key, the key's watch and
// worker are torn down, so the notifier-wide poll ticker no longer signals
// it. The poll ticker itself runs until the store is closed.
func (sub *Subscription) Await(ctx context.Context) (Resolution, error) {
	select {
	case r := <-sub.ch:
		return r, nil
	case <-ctx.Done():
		sub.n.cancel(sub)
		return Resolution{}, ctx.Err()
	}
}

// keyWatch tracks every live subscriber for one pending key, the fsnotify
// watch (if any) covering its pending directory, and the coalesced dirty
// signal that wakes its worker goroutine.
type keyWatch struct {
	hash      castore.ContentHash
	dir       string
	resolvers []*Subscription
	dirty     chan struct{}
	done      chan struct{}
	torndown  bool
}

// notifier is the Change Notifier: a single fsnotify watcher (when the
// platform supports one) multiplexed into per-key waiter lists, backed by a
// periodic poll as a safety net for filesystems whose change events are
// unreliable (e.g. network mounts).
type notifier struct {
	store        *Store
	pollInterval time.Duration

	mu     sync.Mutex
	watcher *fsnotify.Watcher
	byHash  map[string]*keyWatch
	byPath  map[string]*keyWatch

	closeCh   chan struct{}
	closeOnce sync.Once
}

func newNotifier(s *Store, pollInterval time.Duration) *notifier {
	n := &notifier{
		store:        s,
		pollInterval: pollInterval,
		byHash:       map[string]*keyWatch{},
		byPath:       map[string]*keyWatch{},
		closeCh:      make(chan struct{}),
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		klog.Warningf("store: fsnotify unavailable (%v); relying on %v poll fallback only", err, pollInterval)
	} else {
		n.watcher = w
		go n.pumpEvents()
	}
	go n.pumpTicker()
	return n
}

func (n *notifier) pumpEvents() {
	for {
		select {
		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			// IN_ATTRIB (write-bit flip during sealing), MOVE_SELF (rename
			// away on completion), and DELETE_SELF (removal on failure) all
			// surface here as an event against the watched directory's own
			// path; any of them is reason enough to re-query.
			n.markDirty(ev.Name)
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			klog.V(2).Infof("store: fsnotify error: %v", err)
		case <-n.closeCh:
			return
		}
	}
}

func (n *notifier) pumpTicker() {
	t := time.NewTicker(n.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n.markAllDirty()
		case <-n.closeCh:
			return
		}
	}
}

func (n *notifier) markDirty(path string) {
	n.mu.Lock()
	kw, ok := n.byPath[path]
	n.mu.Unlock()
	if !ok {
		return
	}
	n.signal(kw)
}

func (n *notifier) markAllDirty() {
	n.mu.Lock()
	kws := make([]*keyWatch, 0, len(n.byHash))
	for _, kw := range n.byHash {
		kws = append(kws, kw)
	}
	n.mu.Unlock()
	for _, kw := range kws {
		n.signal(kw)
	}
}

// signal coalesces raw events/ticks into a single-slot dirty flag per key.
func (n *notifier) signal(kw *keyWatch) {
	select {
	case kw.dirty <- struct{}{}:
	default:
	}
}

// subscribeLocked registers a new Subscription for h. Callers must already
// hold Store's nested lock (it is invoked from within transitions.go's
// withLock closures), which is what makes it safe to assume h is genuinely
// Pending at this instant.
func (s *Store) subscribeLocked(ctx context.Context, h castore.ContentHash) *Subscription {
	return s.notifier.subscribeLocked(ctx, h)
}

func (n *notifier) subscribeLocked(_ context.Context, h castore.ContentHash) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := h.String()
	kw, ok := n.byHash[key]
	if !ok {
		kw = &keyWatch{
			hash:  h,
			dir:   n.store.path(pendingName(h)),
			dirty: make(chan struct{}, 1),
			done:  make(chan struct{}),
		}
		n.byHash[key] = kw
		if n.watcher != nil {
			if err := n.watcher.Add(kw.dir); err != nil {
				klog.Warningf("store: failed to watch %q: %v", kw.dir, err)
			} else {
				n.byPath[kw.dir] = kw
			}
		}
		go n.runWorker(kw)
	}

	sub := &Subscription{ch: make(chan Resolution, 1), n: n, hash: h}
	kw.resolvers = append(kw.resolvers, sub)
	return sub
}

func (n *notifier) runWorker(kw *keyWatch) {
	for {
		select {
		case <-kw.done:
			return
		case <-kw.dirty:
			n.handleDirty(kw)
		}
	}
}

func (n *notifier) handleDirty(kw *keyWatch) {
	var (
		state   State
		outHash castore.ContentHash
	)
	if err := n.store.withLock(func() error {
		st, oh, err := n.store.queryLocked(kw.hash)
		state, outHash = st, oh
		return err
	}); err != nil {
		klog.Warningf("store: notifier re-query for %s failed: %v", kw.hash, err)
		return
	}
	if state == Pending {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.byHash[kw.hash.String()]; !ok || cur != kw {
		// Already resolved and torn down by a racing direct notification.
		return
	}
	var r Resolution
	if state == Complete {
		r = Resolution{Item: castore.Item{Hash: outHash, Path: n.store.path(itemName(outHash))}}
	} else {
		r = Resolution{Failed: true}
	}
	n.finishLocked(kw, r)
}

// notifyComplete is called by MarkComplete, outside the store lock, once a
// transition to Complete has durably succeeded.
func (n *notifier) notifyComplete(h castore.ContentHash, item castore.Item) {
	n.mu.Lock()
	defer n.mu.Unlock()
	kw, ok := n.byHash[h.String()]
	if !ok {
		return
	}
	n.finishLocked(kw, Resolution{Item: item})
}

// notifyFailed is called by RemoveFailed/RemoveForcibly, outside the store
// lock, once a transition out of Pending (other than to Complete) has
// durably succeeded.
func (n *notifier) notifyFailed(h castore.ContentHash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	kw, ok := n.byHash[h.String()]
	if !ok {
		return
	}
	n.finishLocked(kw, Resolution{Failed: true})
}

// finishLocked delivers r to every resolver waiting on kw and tears it down.
// Callers must hold n.mu.
func (n *notifier) finishLocked(kw *keyWatch, r Resolution) {
	for _, sub := range kw.resolvers {
		sub.ch <- r
	}
	kw.resolvers = nil
	n.teardownLocked(kw)
}

// teardownLocked removes the watch (if any) and signals the worker
// goroutine to exit. Tolerant of a watch already having been removed by a
// sibling handler racing the same teardown.
func (n *notifier) teardownLocked(kw *keyWatch) {
	if kw.torndown {
		return
	}
	kw.torndown = true
	delete(n.byHash, kw.hash.String())
	if n.watcher != nil {
		delete(n.byPath, kw.dir)
		if err := n.watcher.Remove(kw.dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			klog.V(2).Infof("store: failed to remove watch on %q: %v", kw.dir, err)
		}
	}
	close(kw.done)
}

// cancel drops sub's resolver slot. If sub was the last one waiting on its
// key, the key's watch and worker are torn down.
func (n *notifier) cancel(sub *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()

	kw, ok := n.byHash[sub.hash.String()]
	if !ok {
		return
	}
	for i, s := range kw.resolvers {
		if s == sub {
			kw.resolvers = append(kw.resolvers[:i], kw.resolvers[i+1:]...)
			break
		}
	}
	if len(kw.resolvers) == 0 {
		n.teardownLocked(kw)
	}
}

// close tears down every live key watch, the shared fsnotify watcher, and
// the poll ticker. Called once from Store.Close.
func (n *notifier) close() {
	n.closeOnce.Do(func() {
		close(n.closeCh)
		n.mu.Lock()
		kws := make([]*keyWatch, 0, len(n.byHash))
		for _, kw := range n.byHash {
			kws = append(kws, kw)
		}
		for _, kw := range kws {
			n.finishLocked(kw, Resolution{Failed: true})
		}
		n.mu.Unlock()
		if n.watcher != nil {
			if err := n.watcher.Close(); err != nil {
				klog.Warningf("store: failed to close fsnotify watcher: %v", err)
			}
		}
	})
}
