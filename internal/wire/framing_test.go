package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/zrs/internal/wire"
)

func TestDecoderWholeFrame(t *testing.T) {
	var dec = wire.NewDecoder(0)
	var got [][]byte
	var frame = wire.EncodeMessage([]byte("hello"))

	require.NoError(t, dec.Feed(frame, func(p []byte) error {
		got = append(got, append([]byte(nil), p...))
		return nil
	}))
	require.Equal(t, [][]byte{[]byte("hello")}, got)
}

func TestDecoderByteAtATime(t *testing.T) {
	var dec = wire.NewDecoder(0)
	var got [][]byte
	var frame = wire.EncodeMessage([]byte("zodb replication"))

	for _, b := range frame {
		require.NoError(t, dec.Feed([]byte{b}, func(p []byte) error {
			got = append(got, append([]byte(nil), p...))
			return nil
		}))
	}
	require.Equal(t, [][]byte{[]byte("zodb replication")}, got)
}

func TestDecoderMultipleFramesInOneChunk(t *testing.T) {
	var dec = wire.NewDecoder(0)
	var got [][]byte
	var chunk = append(wire.EncodeMessage([]byte("first")), wire.EncodeMessage([]byte("second"))...)

	require.NoError(t, dec.Feed(chunk, func(p []byte) error {
		got = append(got, append([]byte(nil), p...))
		return nil
	}))
	require.Equal(t, [][]byte{[]byte("first"), []byte("second")}, got)
}

func TestDecoderZeroLengthKeepalive(t *testing.T) {
	var dec = wire.NewDecoder(0)
	var calls int
	require.NoError(t, dec.Feed(wire.EncodeMessage(nil), func(p []byte) error {
		calls++
		require.Empty(t, p)
		return nil
	}))
	require.Equal(t, 1, calls)
}

func TestDecoderRejectsOversizeFrame(t *testing.T) {
	var dec = wire.NewDecoder(8)
	var frame = wire.EncodeMessage(make([]byte, 9))
	err := dec.Feed(frame, func([]byte) error { return nil })
	require.ErrorIs(t, err, wire.ErrMessageTooLarge)
}
