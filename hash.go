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

package castore

import (
	"bytes"
	"encoding/base32"
	"fmt"
)

// hashEncoding is the canonical string encoding used for filename fragments.
// base32 (rather than base64) is used because every top-level store entry
// name is built by concatenating a fixed prefix with this encoding, and
// base32's alphabet contains no characters that are awkward in POSIX
// filenames or case-folding filesystems; it is still case-preserving, as
// required.
var hashEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ContentHash is an opaque, fixed-width digest of a directory tree's
// filenames and file contents (see Hasher). The store never interprets the
// bytes of a ContentHash; it only compares them for equality and renders
// them as filename fragments via String.
type ContentHash []byte

// ParseContentHash decodes a ContentHash from its canonical string
// encoding, as produced by ContentHash.String.
func ParseContentHash(s string) (ContentHash, error) {
	b, err := hashEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid content hash %q: %w", s, err)
	}
	return ContentHash(b), nil
}

// String returns the canonical, URL-safe, case-preserving encoding of h,
// suitable for use as a filename fragment.
func (h ContentHash) String() string {
	return hashEncoding.EncodeToString(h)
}

// Equal reports whether h and o designate the same content hash.
func (h ContentHash) Equal(o ContentHash) bool {
	return bytes.Equal(h, o)
}

// Item identifies a completed, read-only, content-addressed directory at
// item-<Hash>/ beneath the store root. Multiple input keys may point at the
// same Item via their complete- links.
type Item struct {
	// Hash is the output hash of the item's content: hash(build), where
	// build is the sealed directory tree that produced this item.
	Hash ContentHash
	// Path is the absolute path to the item directory.
	Path string
}
