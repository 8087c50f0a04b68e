// Package memrange decodes the voucher/notice/report framing the machine
// writes into its rollup memory ranges, and scans the voucher_hashes /
// notice_hashes ranges for the packed, zero-terminated hash arrays the
// manager accumulates into its Merkle trees.
package memrange

import (
	"encoding/binary"
	"errors"

	"github.com/cartesi-corp/rollup-manager/internal/hash"
)

// VoucherPrefixLen is the length in bytes of a voucher frame's prefix:
// address(32) || offset(32) || length(32).
const VoucherPrefixLen = 96

// NoticePrefixLen is the length in bytes of a notice or report frame's
// prefix: offset(32) || length(32).
const NoticePrefixLen = 64

// ErrFrameTooShort is returned when a buffer is smaller than the frame's
// fixed prefix.
var ErrFrameTooShort = errors.New("memrange: frame shorter than its prefix")

// ErrLengthOverflow is returned when a 32-byte big-endian length or offset
// field does not fit in 64 bits.
var ErrLengthOverflow = errors.New("memrange: length field does not fit in 64 bits")

// ErrPayloadOutOfRange is returned when a frame's offset+length would read
// past the end of the supplied buffer.
var ErrPayloadOutOfRange = errors.New("memrange: payload offset/length out of range")

// Voucher is a decoded voucher frame.
type Voucher struct {
	Address hash.Hash
	Payload []byte
}

// NoticeOrReport is a decoded notice or report frame; notices and reports
// share the same wire shape.
type NoticeOrReport struct {
	Payload []byte
}

// decodeU256AsU64 interprets a 32-byte big-endian integer as a uint64,
// failing if any of the upper 24 bytes are non-zero.
func decodeU256AsU64(b []byte) (uint64, error) {
	for _, x := range b[:24] {
		if x != 0 {
			return 0, ErrLengthOverflow
		}
	}
	return binary.BigEndian.Uint64(b[24:32]), nil
}

func slicePayload(buf []byte, offset, length uint64) ([]byte, error) {
	if offset > uint64(len(buf)) || length > uint64(len(buf))-offset {
		return nil, ErrPayloadOutOfRange
	}
	payload := make([]byte, length)
	copy(payload, buf[offset:offset+length])
	return payload, nil
}

// DecodeVoucher decodes a voucher frame from the start of buf.
func DecodeVoucher(buf []byte) (Voucher, error) {
	if len(buf) < VoucherPrefixLen {
		return Voucher{}, ErrFrameTooShort
	}
	var address hash.Hash
	copy(address[:], buf[0:32])

	offset, err := decodeU256AsU64(buf[32:64])
	if err != nil {
		return Voucher{}, err
	}
	length, err := decodeU256AsU64(buf[64:96])
	if err != nil {
		return Voucher{}, err
	}
	payload, err := slicePayload(buf, offset, length)
	if err != nil {
		return Voucher{}, err
	}
	return Voucher{Address: address, Payload: payload}, nil
}

// DecodeNoticeOrReport decodes a notice or report frame from the start of
// buf.
func DecodeNoticeOrReport(buf []byte) (NoticeOrReport, error) {
	if len(buf) < NoticePrefixLen {
		return NoticeOrReport{}, ErrFrameTooShort
	}
	offset, err := decodeU256AsU64(buf[0:32])
	if err != nil {
		return NoticeOrReport{}, err
	}
	length, err := decodeU256AsU64(buf[32:64])
	if err != nil {
		return NoticeOrReport{}, err
	}
	payload, err := slicePayload(buf, offset, length)
	if err != nil {
		return NoticeOrReport{}, err
	}
	return NoticeOrReport{Payload: payload}, nil
}

// ScanHashes interprets buf as a packed array of 32-byte hashes, stopping
// at (and excluding) the first all-zero entry, or at the end of buf if
// none is found.
func ScanHashes(buf []byte) []hash.Hash {
	var hashes []hash.Hash
	for i := 0; i+hash.Size <= len(buf); i += hash.Size {
		h := hash.FromBytes(buf[i : i+hash.Size])
		if h.IsZero() {
			break
		}
		hashes = append(hashes, h)
	}
	return hashes
}
