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

// Package castore defines a content-addressed filesystem store: it maps
// opaque, fixed-width content hashes to directory subtrees, and coordinates
// concurrent construction of those subtrees across goroutines and
// cooperating OS processes that share a POSIX filesystem.
//
// castore is a memoization substrate, not a build system. A caller presents
// the hash of a computation's inputs; the store reports whether a result is
// Missing, Pending (someone else is building it), or Complete, and in the
// Missing case hands back a writable staging directory for the caller to
// populate. Once the caller calls MarkComplete, the staging directory is
// hashed, sealed read-only, and installed under its own output hash so that
// byte-identical results from different inputs collapse onto one item.
//
// The engine itself lives in the store subpackage; this package only
// exports the shared vocabulary (ContentHash, Item, error kinds) used by
// callers that don't need the storage internals.
package castore
