// Package ncz implements the supplemented NCZ export component (spec
// SPEC_FULL.md §8): a one-way, compress-only writer that streams an
// archive's section bodies out through zstd, block by block, alongside a
// section table recording each section's offset and size in the source
// archive. There is no decompression path here — reversing
// an export is a different, out-of-scope tool, same as the teacher's own
// NSZ compressor never shipped a decompressor.
package ncz

import (
	"encoding/binary"
	"io"
)

const (
	MagicSectionTable = "NCZSECTN"
	MagicBlockHeader  = "NCZBLOCK"

	blockHeaderVersion = 2
	blockHeaderType    = 1
)

// SectionTableHeader precedes the section entries in an exported stream.
type SectionTableHeader struct {
	Magic        [8]byte
	SectionCount uint64
}

// SectionEntry is one section-table entry. Its layout has room for a
// section's crypto disposition (EncryptionType, CryptoKey, CryptoCounter),
// but ExportSections fills in only Offset and Size and writes the other
// fields as zero; the exported blocks are always plaintext.
type SectionEntry struct {
	Offset        uint64
	Size          uint64
	EncryptionType uint64
	Padding       uint64
	CryptoKey     [16]byte
	CryptoCounter [16]byte
}

// BlockHeader precedes the block-size table, one entry per compressed block.
type BlockHeader struct {
	Magic            [8]byte
	Version          uint8
	Type             uint8
	Unused           uint8
	BlockSizeExp     uint8
	BlockCount       uint32
	DecompressedSize uint64
}

// WriteSectionTable writes the section-table header and entries.
func WriteSectionTable(w io.Writer, sections []SectionEntry) error {
	h := SectionTableHeader{SectionCount: uint64(len(sections))}
	copy(h.Magic[:], MagicSectionTable)
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}
	for _, s := range sections {
		if err := binary.Write(w, binary.LittleEndian, s); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlockHeader writes the block-table preamble.
func WriteBlockHeader(w io.Writer, blockSizeExp uint8, blockCount uint32, decompressedSize uint64) error {
	h := BlockHeader{
		Version:          blockHeaderVersion,
		Type:             blockHeaderType,
		BlockSizeExp:     blockSizeExp,
		BlockCount:       blockCount,
		DecompressedSize: decompressedSize,
	}
	copy(h.Magic[:], MagicBlockHeader)
	return binary.Write(w, binary.LittleEndian, h)
}
