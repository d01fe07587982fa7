// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package frame implements the length-prefixed framing envelope used by
// both the local IPC socket and the overlay's request-response stream
// protocol: a 4-byte big-endian length L followed by L bytes of payload.
// It does not interpret the payload; see internal/protocol for that.
//
// The read/write shape mirrors the teacher's service.Connection.Send/
// Receive (4-byte header read before the body), generalized to plain
// io.Reader/io.Writer so it can sit under both a Unix socket connection
// and a libp2p stream.
package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

// DefaultMaxSize is the frame size ceiling used when none is configured.
const DefaultMaxSize = 16 << 20 // 16 MiB

// ErrFrameTooLarge is a protocol error: the declared payload length exceeds
// the configured ceiling.
var ErrFrameTooLarge = errors.New("frame: payload exceeds maximum frame size")

// ErrClosed signals a clean peer disconnect: no bytes of a new frame's
// header had been read yet.
var ErrClosed = errors.New("frame: connection closed")

const headerSize = 4

// ReadFrame reads one length-prefixed frame from r. maxSize of 0 selects
// DefaultMaxSize. A clean disconnect (EOF before any header byte arrives)
// returns ErrClosed; a short read mid-header or mid-body is a protocol
// error returned as-is (io.ErrUnexpectedEOF or the underlying error).
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if int(length) > maxSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame to w. maxSize of 0 selects
// DefaultMaxSize, matching ReadFrame so both halves of a session agree on
// the same ceiling.
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if len(payload) > maxSize {
		return ErrFrameTooLarge
	}
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

// FlushWriter is satisfied by buffered writers (e.g. bufio.Writer); WriteFrame
// callers that need the bytes to actually reach the wire should flush after.
type FlushWriter interface {
	Flush() error
}

// WriteFrameFlush writes a frame and flushes w if it supports flushing.
func WriteFrameFlush(w io.Writer, payload []byte, maxSize int) error {
	if err := WriteFrame(w, payload, maxSize); err != nil {
		return err
	}
	if fw, ok := w.(FlushWriter); ok {
		return fw.Flush()
	}
	return nil
}
