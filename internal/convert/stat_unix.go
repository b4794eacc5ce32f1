// Copyright 2025 Google LLC
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

package convert

import (
	"encoding/binary"
	"io/fs"
	"syscall"
)

// statDevIno pulls the raw dev/ino pair out of a FileInfo the same way
// the teacher's fstesting helpers reach into os.FileInfo.Sys() for a
// *syscall.Stat_t, encoding each as 8 bytes in host-native byte order, the
// same order the live catalog stores dev/ino in.
func statDevIno(info fs.FileInfo) (dev, ino []byte) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return make([]byte, 8), make([]byte, 8)
	}
	dev = make([]byte, 8)
	ino = make([]byte, 8)
	binary.NativeEndian.PutUint64(dev, uint64(st.Dev))
	binary.NativeEndian.PutUint64(ino, uint64(st.Ino))
	return dev, ino
}
