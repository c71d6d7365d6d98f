package arena

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/mxlfabric/mxl/mxltime"
)

// HeaderSize is the fixed size, in bytes, of every flow's header block.
const HeaderSize = 256

// Variant distinguishes a discrete (grain-per-index) flow from a continuous
// (sample-stream) one.
type Variant uint8

const (
	VariantDiscrete Variant = iota
	VariantContinuous
)

func (v Variant) String() string {
	if v == VariantContinuous {
		return "continuous"
	}
	return "discrete"
}

var magic = [8]byte{'M', 'X', 'L', 'F', 'L', 'O', 'W', '1'}

const currentVersion uint16 = 1

// castagnoliTable is shared by the header CRC and the schema-blob CRC —
// two distinct integrity checks over two distinct byte ranges, computed
// with the same polynomial.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Header field byte offsets within the 256-byte header block.
const (
	offMagic           = 0x00 // [8]byte
	offVersion         = 0x08 // uint16
	offVariant         = 0x0A // uint8
	offReserved        = 0x0B // [5]byte
	offFlowID          = 0x10 // [16]byte
	offRateNum         = 0x20 // int64
	offRateDen         = 0x28 // int64
	offHistoryDepth    = 0x30 // uint64
	offCellSize        = 0x38 // uint64
	offIndexRingOffset = 0x40 // uint64
	offPayloadOffset   = 0x48 // uint64
	offWriterEpoch     = 0x50 // uint64
	offCreatedAt       = 0x58 // int64
	offSchemaOffset    = 0x60 // uint64
	offSchemaLen       = 0x68 // uint64
	offCRC             = 0x70 // uint32, CRC-32C of the header record itself
	offChannels        = 0x74 // uint32, continuous flows only (0 for discrete)
	offSchemaCRC       = 0x78 // uint32, CRC-32C of the schema blob's bytes
)

// Header is the decoded form of the fixed 256-byte flow header.
type Header struct {
	Variant         Variant
	FlowID          uuid.UUID
	EditRate        mxltime.Rate
	HistoryDepth    uint64 // N, a power of two
	CellSize        uint64
	IndexRingOffset uint64
	PayloadOffset   uint64
	WriterEpoch     uint64
	CreatedAt       int64
	SchemaOffset    uint64
	SchemaLen       uint64
	Channels        uint32 // continuous flows only; 0 for discrete
	SchemaCRC       uint32 // CRC-32C of the schema blob's bytes, a distinct
	// check from the header record's own CRC (offCRC / computeHeaderCRC)
}

// SlotSize is the fixed size, in bytes, of one index ring slot.
const SlotSize = 64

// IndexRingSize returns the byte length of the index ring for N data slots
// plus the one extra control slot the arena reserves at the end of the ring
// (see Arena.ControlSlot) to publish headIndex without aliasing a real
// grain slot.
func IndexRingSize(n uint64) uint64 { return (n + 1) * SlotSize }

// encode serializes h into a HeaderSize-byte buffer and stores at offCRC a
// CRC-32C computed over the whole buffer with the CRC field itself zeroed.
func (h *Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[offMagic:], magic[:])
	binary.LittleEndian.PutUint16(buf[offVersion:], currentVersion)
	buf[offVariant] = byte(h.Variant)
	fid, _ := h.FlowID.MarshalBinary()
	copy(buf[offFlowID:], fid)
	binary.LittleEndian.PutUint64(buf[offRateNum:], uint64(h.EditRate.Num))
	binary.LittleEndian.PutUint64(buf[offRateDen:], uint64(h.EditRate.Den))
	binary.LittleEndian.PutUint64(buf[offHistoryDepth:], h.HistoryDepth)
	binary.LittleEndian.PutUint64(buf[offCellSize:], h.CellSize)
	binary.LittleEndian.PutUint64(buf[offIndexRingOffset:], h.IndexRingOffset)
	binary.LittleEndian.PutUint64(buf[offPayloadOffset:], h.PayloadOffset)
	binary.LittleEndian.PutUint64(buf[offWriterEpoch:], h.WriterEpoch)
	binary.LittleEndian.PutUint64(buf[offCreatedAt:], uint64(h.CreatedAt))
	binary.LittleEndian.PutUint64(buf[offSchemaOffset:], h.SchemaOffset)
	binary.LittleEndian.PutUint64(buf[offSchemaLen:], h.SchemaLen)
	binary.LittleEndian.PutUint32(buf[offChannels:], h.Channels)
	binary.LittleEndian.PutUint32(buf[offSchemaCRC:], h.SchemaCRC)

	crc := computeHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[offCRC:], crc)
	return buf
}

// decodeHeader parses a HeaderSize-byte buffer into a Header. It does not
// validate magic/version/crc; callers must do that separately so mismatches
// and corruption are distinguishable (ERR_INCOMPATIBLE vs ERR_IO).
func decodeHeader(buf []byte) Header {
	var h Header
	h.Variant = Variant(buf[offVariant])
	_ = h.FlowID.UnmarshalBinary(buf[offFlowID : offFlowID+16])
	h.EditRate = mxltime.Rate{
		Num: int64(binary.LittleEndian.Uint64(buf[offRateNum:])),
		Den: int64(binary.LittleEndian.Uint64(buf[offRateDen:])),
	}
	h.HistoryDepth = binary.LittleEndian.Uint64(buf[offHistoryDepth:])
	h.CellSize = binary.LittleEndian.Uint64(buf[offCellSize:])
	h.IndexRingOffset = binary.LittleEndian.Uint64(buf[offIndexRingOffset:])
	h.PayloadOffset = binary.LittleEndian.Uint64(buf[offPayloadOffset:])
	h.WriterEpoch = binary.LittleEndian.Uint64(buf[offWriterEpoch:])
	h.CreatedAt = int64(binary.LittleEndian.Uint64(buf[offCreatedAt:]))
	h.SchemaOffset = binary.LittleEndian.Uint64(buf[offSchemaOffset:])
	h.SchemaLen = binary.LittleEndian.Uint64(buf[offSchemaLen:])
	h.Channels = binary.LittleEndian.Uint32(buf[offChannels:])
	h.SchemaCRC = binary.LittleEndian.Uint32(buf[offSchemaCRC:])
	return h
}

func checkMagicVersion(buf []byte) bool {
	for i, b := range magic {
		if buf[offMagic+i] != b {
			return false
		}
	}
	return binary.LittleEndian.Uint16(buf[offVersion:]) == currentVersion
}

func checkCRC(buf []byte) bool {
	stored := binary.LittleEndian.Uint32(buf[offCRC:])
	return stored == computeHeaderCRC(buf)
}

// computeHeaderCRC computes CRC-32C over buf with the CRC field zeroed.
func computeHeaderCRC(buf []byte) uint32 {
	tmp := make([]byte, HeaderSize)
	copy(tmp, buf)
	for i := offCRC; i < offCRC+4; i++ {
		tmp[i] = 0
	}
	return crc32.Checksum(tmp, castagnoliTable)
}

// computeSchemaCRC computes CRC-32C over the schema blob's bytes. This is a
// distinct check from computeHeaderCRC: it validates the opaque schema
// payload stored alongside the header (§6), not the header record itself.
func computeSchemaCRC(schema []byte) uint32 {
	return crc32.Checksum(schema, castagnoliTable)
}

// checkSchemaCRC reports whether schema's stored CRC-32C matches h.SchemaCRC
// and its length matches h.SchemaLen.
func checkSchemaCRC(h Header, schema []byte) bool {
	return uint64(len(schema)) == h.SchemaLen && computeSchemaCRC(schema) == h.SchemaCRC
}
