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

// Package fdpass sends and receives open file descriptors over a
// Unix-domain socket via SCM_RIGHTS ancillary data, grounded on
// etc/cnid_dbd/comm.c's send_cred/recv_cred and the metadaemon's
// socketpair fd hand-off in cnid_metad.c. It isolates the one genuinely
// platform-specific primitive the rest of the service needs.
package fdpass

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrNoFD is returned by Recv when a message arrives with no attached
// file descriptor — a protocol violation on a channel that always passes
// exactly one.
var ErrNoFD = errors.New("fdpass: message carried no file descriptor")

// dummyPayload is sent alongside the SCM_RIGHTS control message; some
// platforms refuse a zero-length Sendmsg, so a single byte rides along.
var dummyPayload = []byte{0}

// Send transmits fd as ancillary data over the Unix-domain socket
// identified by sockFD (comm.c's send_cred).
func Send(sockFD int, fd int) error {
	rights := unix.UnixRights(fd)
	if err := unix.Sendmsg(sockFD, dummyPayload, rights, nil, 0); err != nil {
		return fmt.Errorf("fdpass: sendmsg: %w", err)
	}
	return nil
}

// Recv blocks until a file descriptor arrives on sockFD and returns it
// (comm.c's recv_cred). The caller owns the returned fd and must close it.
func Recv(sockFD int) (int, error) {
	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, len(dummyPayload))

	_, oobn, _, _, err := unix.Recvmsg(sockFD, buf, oob, 0)
	if err != nil {
		return 0, fmt.Errorf("fdpass: recvmsg: %w", err)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, fmt.Errorf("fdpass: parse control message: %w", err)
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return 0, ErrNoFD
}
