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

package charset

import (
	"fmt"
	"strconv"
	"strings"
)

// MangleChar is the sentinel separating a truncated name prefix from its
// embedded cnid, matching etc/afpd/mangle.c's MANGLE_CHAR.
const MangleChar = '#'

// MaxExtLength bounds the preserved file extension, mangle.h's
// MAX_EXT_LENGTH; it cannot exceed 27 in the original, a limit that
// doesn't bind here since nothing constructs a longer one.
const MaxExtLength = 5

// Mangle rewrites filename so it fits within limit bytes, embedding id in
// hex after MangleChar and preserving uname's extension. If the name
// already fits and force is false, filename is returned unchanged —
// mangle.c's "do we really need to mangle this filename?" check.
func Mangle(filename, uname string, id uint32, limit int, force bool) string {
	if !force && len(filename) <= limit {
		return filename
	}

	ext := ""
	if i := strings.LastIndexByte(uname, '.'); i >= 0 {
		ext = uname[i:]
		if len(ext) > MaxExtLength {
			ext = ext[:MaxExtLength]
		}
	}

	suffix := fmt.Sprintf("%c%X", MangleChar, id)

	avail := limit - len(suffix) - len(ext)
	if avail < 0 {
		avail = 0
	}
	prefix := filename
	if len(prefix) > avail {
		prefix = prefix[:avail]
	}
	if prefix == "" {
		prefix = "???"
	}
	return prefix + suffix + ext
}

// Resolver looks up the current name a cnid still resolves to, reporting
// ok=false when it no longer names a live record. Demangle takes it as a
// plain function so this package has no dependency on internal/catalog.
type Resolver func(id uint32) (name string, ok bool)

// Demangle inverts Mangle. A string with no MangleChar, or one that
// doesn't parse as "<prefix>#<hex>[.ext]", is returned unchanged. A
// well-formed mangled string resolves id through resolve: if it still
// names a live record whose current name shares mfilename's prefix (or
// the prefix was elided to "???"), that current name is returned;
// otherwise mfilename is returned unchanged. Demangle never returns a
// third string, per spec.md P6.
func Demangle(mfilename string, resolve Resolver) string {
	idx := strings.IndexByte(mfilename, MangleChar)
	if idx < 0 {
		return mfilename
	}
	prefix := mfilename[:idx]
	rest := mfilename[idx+1:]

	if rest == "" || rest[0] == '0' {
		return mfilename
	}

	i := 0
	for i < len(rest) && isUpperHexDigit(rest[i]) {
		i++
	}
	if i == 0 {
		return mfilename
	}
	hexPart, tail := rest[:i], rest[i:]
	if len(tail) > 0 && tail[0] != '.' {
		return mfilename
	}
	if len(tail) > MaxExtLength { // tail keeps its leading '.', as Mangle's ext does
		return mfilename
	}

	id, err := strconv.ParseUint(hexPart, 16, 32)
	if err != nil || id == 0 {
		return mfilename
	}

	name, ok := resolve(uint32(id))
	if !ok {
		return mfilename
	}
	if prefix == "???" || strings.HasPrefix(name, prefix) {
		return name
	}
	return mfilename
}

// isUpperHexDigit mirrors mangle.c's isuxdigit: a decimal digit or an
// uppercase hex letter — lowercase hex never appears in a mangled name
// since Mangle always formats with %X.
func isUpperHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}
