package nca

import (
	"encoding/binary"
	"fmt"
)

// CtrExEntry is one relocation entry in a PatchRomFs section's subsection
// bucket tree: the virtual offset at which a new AES-CTR "generation" (and
// therefore a new top-4-bytes counter value) takes over, spec glossary BKTR.
type CtrExEntry struct {
	VirtualOffset  uint64
	PhysicalOffset uint64
	Generation     uint32
}

const ctrExEntrySize = 24

// parseBucketHeader validates and parses the 16-byte BKTR preamble.
func parseBucketHeader(b []byte) (BucketHeader, error) {
	var h BucketHeader
	if len(b) < bucketInfoSize-16 {
		return h, ErrBucketTreeInvalid
	}
	copy(h.Magic[:], b[0:4])
	h.Version = binary.LittleEndian.Uint32(b[4:8])
	h.EntryCount = binary.LittleEndian.Uint32(b[8:12])
	h.Reserved = binary.LittleEndian.Uint32(b[12:16])
	if string(h.Magic[:]) != MagicBKTR {
		return h, fmt.Errorf("nca: bucket header: %w (magic %q)", ErrBucketTreeInvalid, h.Magic[:])
	}
	if h.Version != BktrVersionExpected {
		return h, fmt.Errorf("nca: bucket header: %w (version %d)", ErrBucketTreeInvalid, h.Version)
	}
	return h, nil
}

// loadSubsectionEntries reads and CTR-decrypts a PatchRomFs section's
// subsection bucket table, returning its relocation entries sorted by
// virtual offset (the order they're stored in on disk). The table itself is
// read through the section's ordinary (non-CTR-EX) cipher context: it lives
// at a physical offset like any other bulk data, and bootstrapping CTR-EX
// from CTR-EX would be circular.
func (sec *SectionContext) loadSubsectionEntries() ([]CtrExEntry, error) {
	info := sec.header.PatchSubsection
	if info.Size == 0 {
		return nil, nil
	}

	raw := make([]byte, info.Size)
	if err := sec.readCtrPlain(raw, int64(info.Offset)); err != nil {
		return nil, fmt.Errorf("nca: subsection table: %w", err)
	}

	hdr, err := parseBucketHeader(raw)
	if err != nil {
		return nil, err
	}

	entries := make([]CtrExEntry, 0, hdr.EntryCount)
	off := bucketInfoSize - 16 // header consumes the first 16 bytes of the bucket payload
	for i := uint32(0); i < hdr.EntryCount; i++ {
		if off+ctrExEntrySize > len(raw) {
			return nil, fmt.Errorf("nca: subsection table: %w (truncated entry %d)", ErrBucketTreeInvalid, i)
		}
		e := CtrExEntry{
			VirtualOffset:  binary.LittleEndian.Uint64(raw[off : off+8]),
			PhysicalOffset: binary.LittleEndian.Uint64(raw[off+8 : off+16]),
			Generation:     binary.LittleEndian.Uint32(raw[off+16 : off+20]),
		}
		entries = append(entries, e)
		off += ctrExEntrySize
	}
	return entries, nil
}

// generationAt returns the CTR-EX generation value in effect at virtualOffset,
// i.e. the last entry whose VirtualOffset is <= virtualOffset.
func generationAt(entries []CtrExEntry, virtualOffset uint64) uint32 {
	var gen uint32
	for _, e := range entries {
		if e.VirtualOffset > virtualOffset {
			break
		}
		gen = e.Generation
	}
	return gen
}
