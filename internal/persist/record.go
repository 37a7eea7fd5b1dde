package persist

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"main/pkg/exception"
)

// RecordType tags WAL payloads.
type RecordType uint16

const (
	RecordUnknown RecordType = iota
	// RecordOrder is an order reaching a terminal status.
	RecordOrder
	// RecordPosition is a position change.
	RecordPosition
)

const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 40
	recordChecksumSize        = 4
)

var (
	recordMagic = [4]byte{'T', 'L', 'G', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

// RecordHeader describes one WAL record.
type RecordHeader struct {
	Type    RecordType
	Flags   uint16
	Seq     uint64
	TsEvent int64
}

func encodeHeader(dst []byte, header RecordHeader, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], recordVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(recordHeaderSize))
	binary.LittleEndian.PutUint16(dst[8:10], uint16(header.Type))
	binary.LittleEndian.PutUint16(dst[10:12], header.Flags)
	binary.LittleEndian.PutUint32(dst[12:16], uint32(payloadLen))
	binary.LittleEndian.PutUint64(dst[16:24], header.Seq)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(header.TsEvent))
	binary.LittleEndian.PutUint64(dst[32:40], 0)
}

func decodeRecordHeader(src []byte) (RecordHeader, uint32, error) {
	if len(src) < recordHeaderSize {
		return RecordHeader{}, 0, exception.ErrWALBadHeader
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return RecordHeader{}, 0, exception.ErrWALInvalidMagic
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != recordVersion {
		return RecordHeader{}, 0, exception.ErrWALBadHeader
	}
	if headerSize := binary.LittleEndian.Uint16(src[6:8]); headerSize != recordHeaderSize {
		return RecordHeader{}, 0, exception.ErrWALBadHeader
	}
	payloadLen := binary.LittleEndian.Uint32(src[12:16])
	h := RecordHeader{
		Type:    RecordType(binary.LittleEndian.Uint16(src[8:10])),
		Flags:   binary.LittleEndian.Uint16(src[10:12]),
		Seq:     binary.LittleEndian.Uint64(src[16:24]),
		TsEvent: int64(binary.LittleEndian.Uint64(src[24:32])),
	}
	return h, payloadLen, nil
}

func checksum(header []byte, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}
