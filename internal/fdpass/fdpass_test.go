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

package fdpass_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/afpfs/cnidd/internal/fdpass"
)

func TestSendRecvRoundTrip(t *testing.T) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(pair[0])
	defer unix.Close(pair[1])

	tmp, err := os.CreateTemp(t.TempDir(), "fdpass")
	require.NoError(t, err)
	defer tmp.Close()
	_, err = tmp.WriteString("hello")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- fdpass.Send(pair[0], int(tmp.Fd()))
	}()

	got, err := fdpass.Recv(pair[1])
	require.NoError(t, err)
	defer unix.Close(got)
	require.NoError(t, <-done)

	f := os.NewFile(uintptr(got), "received")
	defer f.Close()
	buf := make([]byte, 5)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestRecvOnClosedSocketErrors(t *testing.T) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	unix.Close(pair[0])
	defer unix.Close(pair[1])

	_, err = fdpass.Recv(pair[1])
	assert.Error(t, err)
}
