// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package bridge implements the front-end (spec.md 4.8, component C9):
// the listening UNIX socket, peer-credential authorization and dispatch
// to worker-control, plus the sync-protocol merge rules a client's write
// must satisfy (spec.md 4.7).
package bridge

import (
	"net"

	"golang.org/x/sys/unix"
)

// PeerCred is the authenticated identity of a connected client, obtained
// via SO_PEERCRED (spec.md 6, "Privileged commands are gated on the
// connecting peer's effective UID").
type PeerCred struct {
	PID int32
	UID uint32
	GID uint32
}

// peerCred reads the kernel-verified credentials of the process on the
// other end of a UNIX domain socket connection.
func peerCred(conn *net.UnixConn) (PeerCred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return PeerCred{}, err
	}
	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return PeerCred{}, err
	}
	if sockErr != nil {
		return PeerCred{}, sockErr
	}
	return PeerCred{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}

// Authorized reports whether cred may issue a privileged command
// (spec.md 6): only effective UID 0.
func (c PeerCred) Authorized() bool { return c.UID == 0 }
