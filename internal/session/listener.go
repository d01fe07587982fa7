// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/bfix/gospel/logger"
)

// Listener binds the daemon's Unix domain socket and hands every accepted
// connection to Accepted(), mirroring the teacher's
// service.NewConnectionManager (a net.Listener accept loop feeding a
// handler channel) so the coordinator's event loop — not the listener —
// decides how and when a connection becomes a Session (§4.5: "one
// freshly accepted IPC connection" is one of the coordinator's own event
// sources).
type Listener struct {
	ln       net.Listener
	accepted chan net.Conn
}

// checkStaleSocket probes path for a live listener. If one answers, the
// socket is in use and Listen must refuse to start. If the file exists
// but nothing answers, it is a stale leftover from an unclean shutdown
// and is removed so binding can proceed (§6).
func checkStaleSocket(path string) error {
	conn, err := net.Dial("unix", path)
	if err == nil {
		conn.Close()
		return fmt.Errorf("session: socket %s is already in use", path)
	}
	if _, statErr := os.Stat(path); statErr == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("session: remove stale socket %s: %w", path, err)
		}
		logger.Printf(logger.WARN, "[mutinyd] removed stale socket %s", path)
	}
	return nil
}

// Listen binds a Unix domain socket at path, refusing to start if path is
// already held by a live listener and clearing a stale leftover file
// otherwise (§6). perm, if non-zero, is applied to the socket file with
// os.Chmod, matching the teacher's "perm" connection parameter
// (service.NewConnectionManager).
func Listen(ctx context.Context, path string, perm os.FileMode) (*Listener, error) {
	if err := checkStaleSocket(path); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("session: listen on %s: %w", path, err)
	}
	if perm != 0 {
		if err := os.Chmod(path, perm); err != nil {
			logger.Printf(logger.ERROR, "[mutinyd] session: chmod %s to %o: %s", path, perm, err)
		}
	}
	l := &Listener{ln: ln, accepted: make(chan net.Conn)}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			close(l.accepted)
			return
		}
		l.accepted <- conn
	}
}

// Accepted yields one net.Conn per accepted connection. It is closed once
// the listener stops accepting (Close was called, or the socket failed).
func (l *Listener) Accepted() <-chan net.Conn {
	return l.accepted
}

// Close stops accepting new connections and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if unixAddr, ok := l.ln.Addr().(*net.UnixAddr); ok {
		_ = os.Remove(unixAddr.Name)
	}
	return err
}
