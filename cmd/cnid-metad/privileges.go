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

package main

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

// dropPrivileges implements the -u/-g flags: bind the listening socket as
// root, then drop to an unprivileged user/group, matching
// cnid_metad.c's post-bind setuid/setgid sequence. Order matters: group
// must drop before user, since dropping uid first can remove the
// permission needed to change gid.
func dropPrivileges(userName, groupName string) error {
	if groupName != "" {
		gid, err := lookupGID(groupName)
		if err != nil {
			return fmt.Errorf("resolving group %q: %w", groupName, err)
		}
		if err := syscall.Setgid(gid); err != nil {
			return fmt.Errorf("setgid(%d): %w", gid, err)
		}
	}
	if userName != "" {
		uid, err := lookupUID(userName)
		if err != nil {
			return fmt.Errorf("resolving user %q: %w", userName, err)
		}
		if err := syscall.Setuid(uid); err != nil {
			return fmt.Errorf("setuid(%d): %w", uid, err)
		}
	}
	return nil
}

func lookupUID(name string) (int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

func lookupGID(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}
