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

import "fmt"

// ErrNotPending is returned by a transition that requires a key to be
// Pending when it is actually Missing. A Complete key yields
// ErrAlreadyComplete instead.
type ErrNotPending struct {
	Hash ContentHash
}

func (e *ErrNotPending) Error() string {
	return fmt.Sprintf("%s: not pending", e.Hash)
}

// ErrAlreadyPending is returned by MarkPending when the key is already
// Pending. ConstructIfMissing and ConstructOrWait do not return it; they
// report a Pending status instead.
type ErrAlreadyPending struct {
	Hash ContentHash
}

func (e *ErrAlreadyPending) Error() string {
	return fmt.Sprintf("%s: already pending", e.Hash)
}

// ErrAlreadyComplete is returned by a destructive transition (mark_pending,
// remove_failed) against a key that is already Complete. Callers that
// genuinely need to discard a completed item must use RemoveItemForcibly
// instead.
type ErrAlreadyComplete struct {
	Hash ContentHash
}

func (e *ErrAlreadyComplete) Error() string {
	return fmt.Sprintf("%s: already complete", e.Hash)
}

// ErrCorruptedLink is returned when complete-<hash> exists but does not
// resolve to a parseable item-<hash'>/ target. This indicates external
// corruption, or that the item was removed out from under a still-live
// link (see RemoveItemForcibly); it is not recoverable locally.
type ErrCorruptedLink struct {
	Hash   ContentHash
	Target string
}

func (e *ErrCorruptedLink) Error() string {
	return fmt.Sprintf("%s: corrupted link to %q", e.Hash, e.Target)
}

// ErrClosed is returned by any operation invoked on a Store handle after
// Close has been called.
type ErrClosed struct{}

func (e *ErrClosed) Error() string { return "store: handle is closed" }
