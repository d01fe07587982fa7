// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello mutinyd")
	require.NoError(t, WriteFrame(&buf, payload, 0))

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, 100), 10)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.Zero(t, buf.Len())
}

func TestReadFrameEmptyReaderIsClosed(t *testing.T) {
	_, err := ReadFrame(&bytes.Buffer{}, 0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestReadFrameShortBodyIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	// declare a 10 byte payload but only supply 2
	require.NoError(t, WriteFrame(&buf, make([]byte, 10), 0))
	truncated := bytes.NewReader(buf.Bytes()[:6])
	_, err := ReadFrame(truncated, 0)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrClosed)
}

func TestReadFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 100), 0))
	_, err := ReadFrame(&buf, 10)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestPipeliningMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("first"), 0))
	require.NoError(t, WriteFrame(&buf, []byte("second"), 0))

	first, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), first)

	second, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), second)
}
