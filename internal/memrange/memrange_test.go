package memrange

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cartesi-corp/rollup-manager/internal/hash"
)

func putU256(dst []byte, v uint64) {
	binary.BigEndian.PutUint64(dst[24:32], v)
}

func TestDecodeVoucherRoundTrip(t *testing.T) {
	payload := []byte("hello")
	buf := make([]byte, VoucherPrefixLen+len(payload))
	addr := hash.Keccak256([]byte("recipient"))
	copy(buf[0:32], addr[:])
	putU256(buf[32:64], VoucherPrefixLen)
	putU256(buf[64:96], uint64(len(payload)))
	copy(buf[VoucherPrefixLen:], payload)

	v, err := DecodeVoucher(buf)
	require.NoError(t, err)
	require.Equal(t, addr, v.Address)
	require.Equal(t, payload, v.Payload)
}

func TestDecodeVoucherRejectsOverflowingLength(t *testing.T) {
	buf := make([]byte, VoucherPrefixLen)
	buf[64] = 1 // a non-zero byte among the upper 24 bytes of the length field
	_, err := DecodeVoucher(buf)
	require.ErrorIs(t, err, ErrLengthOverflow)
}

func TestDecodeVoucherRejectsOutOfRangePayload(t *testing.T) {
	buf := make([]byte, VoucherPrefixLen)
	putU256(buf[32:64], VoucherPrefixLen)
	putU256(buf[64:96], 1000) // far beyond the buffer
	_, err := DecodeVoucher(buf)
	require.ErrorIs(t, err, ErrPayloadOutOfRange)
}

func TestDecodeNoticeOrReportRoundTrip(t *testing.T) {
	payload := []byte("noted")
	buf := make([]byte, NoticePrefixLen+len(payload))
	putU256(buf[0:32], NoticePrefixLen)
	putU256(buf[32:64], uint64(len(payload)))
	copy(buf[NoticePrefixLen:], payload)

	n, err := DecodeNoticeOrReport(buf)
	require.NoError(t, err)
	require.Equal(t, payload, n.Payload)
}

func TestScanHashesStopsAtFirstZeroEntry(t *testing.T) {
	h1 := hash.Keccak256([]byte("a"))
	h2 := hash.Keccak256([]byte("b"))
	buf := make([]byte, hash.Size*4)
	copy(buf[0:32], h1[:])
	copy(buf[32:64], h2[:])
	// remaining two entries stay zero

	got := ScanHashes(buf)
	require.Equal(t, []hash.Hash{h1, h2}, got)
}

func TestScanHashesEmptyWhenFirstEntryZero(t *testing.T) {
	buf := make([]byte, hash.Size*2)
	require.Nil(t, ScanHashes(buf))
}
