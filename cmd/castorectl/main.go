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

// castorectl is a read-only inspection tool for a castore store root: it
// lists the keys and items present, and reports the state of a single key.
// It never mutates the store; construction and completion are the calling
// application's responsibility, not this tool's.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"

	castore "github.com/go-castore/castore"
	"github.com/go-castore/castore/store"
	"k8s.io/klog/v2"
)

var (
	storageDir = flag.String("storage_dir", "", "Root directory of the store to inspect.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx := context.Background()

	if *storageDir == "" {
		klog.Exit("Supply the store root using --storage_dir")
	}
	args := flag.Args()
	if len(args) == 0 {
		klog.Exit("Usage: castorectl --storage_dir=DIR <list|query HASH>")
	}

	s, err := store.Open(ctx, *storageDir, store.WithHasher(sha256Hasher{}))
	if err != nil {
		klog.Exitf("Failed to open store at %q: %v", *storageDir, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			klog.Warningf("Failed to close store: %v", err)
		}
	}()

	switch cmd := args[0]; cmd {
	case "list":
		runList(s)
	case "query":
		if len(args) != 2 {
			klog.Exit("Usage: castorectl --storage_dir=DIR query HASH")
		}
		runQuery(s, args[1])
	default:
		klog.Exitf("Unknown subcommand %q", cmd)
	}
}

func runList(s *store.Store) {
	res, err := s.ListAll(context.Background())
	if err != nil {
		klog.Exitf("ListAll failed: %v", err)
	}
	for _, h := range res.Pending {
		fmt.Printf("pending\t%s\n", h)
	}
	for _, h := range res.Complete {
		fmt.Printf("complete\t%s\n", h)
	}
	for _, h := range res.Items {
		fmt.Printf("item\t%s\n", h)
	}
}

func runQuery(s *store.Store, hashStr string) {
	h, err := castore.ParseContentHash(hashStr)
	if err != nil {
		klog.Exitf("Invalid hash %q: %v", hashStr, err)
	}
	status, err := s.Lookup(h)
	if err != nil {
		klog.Exitf("Lookup failed: %v", err)
	}
	switch status.State {
	case store.Complete:
		fmt.Printf("Complete\t%s\t%s\n", status.Item.Hash, status.Item.Path)
	default:
		fmt.Printf("%s\n", status.State)
	}
}

// sha256Hasher is the default Hasher used by castorectl for stores it
// opens itself; inspection never calls MarkComplete, so its behaviour
// never actually runs, but Options.Hasher is required to be non-nil.
type sha256Hasher struct{}

func (sha256Hasher) Hash(_ context.Context, dir string) (castore.ContentHash, error) {
	var sum [sha256.Size]byte
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s\n", e.Name())
	}
	copy(sum[:], h.Sum(nil))
	return castore.ContentHash(sum[:]), nil
}
