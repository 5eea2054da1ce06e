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

//go:build unix

package store

import (
	"io"
	"os"
	"syscall"
)

// lockExclusive takes an exclusive advisory lock on the byte range [0,1) of
// f, blocking indefinitely until it is available. There is deliberately no
// timeout parameter: a caller wanting a bound should run the call in a
// goroutine and select against its own context instead.
//
// File locks on POSIX are per-process, not per-file-descriptor: this is why
// Store.withLock always takes the in-process mutex first, to prevent
// intra-process reentry against a lock the OS already considers held by
// this PID.
//
// Note that this is advisory only: any process not going through this
// function is free to read or write the file regardless.
func lockExclusive(f *os.File) (unlock func() error, err error) {
	flockT := syscall.Flock_t{
		Type:   syscall.F_WRLCK,
		Whence: io.SeekStart,
		Start:  0,
		Len:    1,
	}
	// Keep retrying if the call is interrupted by a signal; F_SETLKW blocks
	// until the lock is acquired or an error (other than EINTR) occurs.
	for {
		err := syscall.FcntlFlock(f.Fd(), syscall.F_SETLKW, &flockT)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	return func() error {
		unlockT := syscall.Flock_t{
			Type:   syscall.F_UNLCK,
			Whence: io.SeekStart,
			Start:  0,
			Len:    1,
		}
		return syscall.FcntlFlock(f.Fd(), syscall.F_SETLK, &unlockT)
	}, nil
}
