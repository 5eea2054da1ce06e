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
	"testing"

	castore "github.com/go-castore/castore"
	"github.com/google/go-cmp/cmp"
)

func TestClassifyEntry(t *testing.T) {
	h := testHash(t, "a")

	for _, test := range []struct {
		name       string
		entry      string
		wantPrefix string
		wantOK     bool
	}{
		{name: "pending", entry: pendingName(h), wantPrefix: pendingPrefix, wantOK: true},
		{name: "complete", entry: completeName(h), wantPrefix: completePrefix, wantOK: true},
		{name: "item", entry: itemName(h), wantPrefix: itemPrefix, wantOK: true},
		{name: "lock file is not classified", entry: "lock", wantOK: false},
		{name: "garbage with known prefix", entry: "pending-not-a-hash!!", wantOK: false},
		{name: "unrelated file", entry: "README.md", wantOK: false},
	} {
		t.Run(test.name, func(t *testing.T) {
			prefix, gotHash, ok := classifyEntry(test.entry)
			if ok != test.wantOK {
				t.Fatalf("classifyEntry(%q) ok = %v, want %v", test.entry, ok, test.wantOK)
			}
			if !ok {
				return
			}
			if prefix != test.wantPrefix {
				t.Errorf("classifyEntry(%q) prefix = %q, want %q", test.entry, prefix, test.wantPrefix)
			}
			if !gotHash.Equal(h) {
				t.Errorf("classifyEntry(%q) hash = %s, want %s", test.entry, gotHash, h)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	for _, test := range []struct {
		s    State
		want string
	}{
		{Missing, "Missing"},
		{Pending, "Pending"},
		{Complete, "Complete"},
		{State(99), "State(99)"},
	} {
		if got := test.s.String(); got != test.want {
			t.Errorf("State(%d).String() = %q, want %q", test.s, got, test.want)
		}
	}
}

func TestListAll(t *testing.T) {
	s, hasher := newTestStore(t)
	ctx := t.Context()

	hPending := testHash(t, "pending-key")
	if _, err := s.MarkPending(hPending); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}

	hComplete := testHash(t, "complete-key")
	dir, err := s.MarkPending(hComplete)
	if err != nil {
		t.Fatalf("MarkPending: %v", err)
	}
	hasher.set(dir, testHash(t, "item-output"))
	item, err := s.MarkComplete(ctx, hComplete)
	if err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	got, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}

	want := ListResult{
		Pending:  []castore.ContentHash{hPending},
		Complete: []castore.ContentHash{hComplete},
		Items:    []castore.ContentHash{item.Hash},
	}
	opts := cmpHashSliceOpts()
	if diff := cmp.Diff(want, got, opts...); diff != "" {
		t.Errorf("ListAll diff (-want +got):\n%s", diff)
	}
}
