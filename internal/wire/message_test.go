package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/zrs/internal/wire"
)

func mustTID(t *testing.T, s string) wire.TID {
	t.Helper()
	tid, err := wire.ParseTID(s)
	require.NoError(t, err)
	return tid
}

func TestTxnHeaderRoundTrip(t *testing.T) {
	var h = wire.TxnHeader{
		TID:         mustTID(t, "0000000000000042"),
		Status:      wire.StatusNormal,
		User:        []byte("alice"),
		Description: []byte("an edit"),
		Extension:   map[string][]byte{"k": []byte("v")},
	}
	var payload = wire.EncodeTxnHeader(h)

	tag, err := wire.PeekTag(payload)
	require.NoError(t, err)
	require.Equal(t, wire.TagTransaction, tag)

	got, err := wire.DecodeTxnHeader(payload)
	require.NoError(t, err)
	require.Equal(t, h.TID, got.TID)
	require.Equal(t, h.Status, got.Status)
	require.Equal(t, h.User, got.User)
	require.Equal(t, h.Description, got.Description)
	require.Equal(t, h.Extension, got.Extension)
}

func TestDataHeaderRoundTripWithPrev(t *testing.T) {
	var h = wire.DataHeader{
		OID:     mustTID8(t, "0000000000000001"),
		TID:     mustTID(t, "0000000000000002"),
		HasPrev: true,
		PrevTxn: mustTID(t, "0000000000000001"),
	}
	var payload = wire.EncodeDataHeader(h)
	got, err := wire.DecodeDataHeader(payload)
	require.NoError(t, err)
	require.Equal(t, h.OID, got.OID)
	require.Equal(t, h.TID, got.TID)
	require.True(t, got.HasPrev)
	require.Equal(t, h.PrevTxn, got.PrevTxn)
}

func TestDataHeaderRoundTripWithoutPrev(t *testing.T) {
	var h = wire.DataHeader{OID: mustTID8(t, "0000000000000001"), TID: mustTID(t, "0000000000000002")}
	got, err := wire.DecodeDataHeader(wire.EncodeDataHeader(h))
	require.NoError(t, err)
	require.False(t, got.HasPrev)
}

func TestBlobHeaderRoundTrip(t *testing.T) {
	var h = wire.BlobHeader{
		OID:     mustTID8(t, "0000000000000003"),
		TID:     mustTID(t, "0000000000000004"),
		NBlocks: 12,
	}
	got, err := wire.DecodeBlobHeader(wire.EncodeBlobHeader(h))
	require.NoError(t, err)
	require.Equal(t, h.OID, got.OID)
	require.Equal(t, h.NBlocks, got.NBlocks)
}

func TestChecksumRoundTrip(t *testing.T) {
	var digest [16]byte
	for i := range digest {
		digest[i] = byte(i)
	}
	got, err := wire.DecodeChecksum(wire.EncodeChecksum(digest))
	require.NoError(t, err)
	require.Equal(t, digest, got.Digest)
}

func TestDecodeRejectsWrongTag(t *testing.T) {
	var payload = wire.EncodeChecksum([16]byte{})
	_, err := wire.DecodeTxnHeader(payload)
	require.Error(t, err)
}

func mustTID8(t *testing.T, s string) wire.OID {
	t.Helper()
	oid, err := wire.OIDFromBytes(mustBytes(t, s))
	require.NoError(t, err)
	return oid
}

func mustBytes(t *testing.T, hexTID string) []byte {
	t.Helper()
	tid, err := wire.ParseTID(hexTID)
	require.NoError(t, err)
	return tid[:]
}
