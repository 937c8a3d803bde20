package nca

import (
	"crypto/sha256"
	"fmt"

	"github.com/nscore/ncacore/pkg/crypto"
)

// PatchEntry is one contiguous run of ciphertext to splice into an archive
// at an absolute (archive-relative) byte offset.
type PatchEntry struct {
	Offset int64
	Data   []byte
}

// Patch is the output of a hash-tree patch generation operation: the body
// ciphertext windows that changed, branded with the content ID they were
// generated against so they can't silently be applied to the wrong archive
// (spec §4.6/§4.7).
type Patch struct {
	ContentID    [16]byte
	SectionIndex int
	Entries      []PatchEntry
}

// cryptWriteBack re-encrypts plaintext (a contiguous run starting at the
// section-relative sectionOffset) back to ciphertext using this section's
// cipher context — the inverse of ReadSection's decrypt path, used by patch
// generation to produce the ciphertext it splices in.
func (sec *SectionContext) cryptWriteBack(plaintext []byte, sectionOffset int64) ([]byte, error) {
	dst := append([]byte(nil), plaintext...)

	switch sec.header.EncryptionType {
	case EncryptionTypeNone:
		return dst, nil

	case EncryptionTypeAesXts:
		if sectionOffset%SectorSize != 0 || len(dst)%SectorSize != 0 {
			return nil, fmt.Errorf("nca: write back xts: %w (unaligned range)", ErrOutOfRange)
		}
		out := make([]byte, len(dst))
		absolute := sec.StartOffset() + sectionOffset
		if err := crypto.XTSEncrypt(out, dst, sec.xtsKey, sec.xtsSectorOfAbsolute(absolute), SectorSize); err != nil {
			return nil, err
		}
		return out, nil

	case EncryptionTypeAesCtr:
		if sec.keyMissing {
			return nil, ErrNoTitleKey
		}
		upperIV := crypto.UpperIV(sec.header.CtrUpperIV)
		counter := crypto.BuildCounter(upperIV, uint64(sec.StartOffset()+sectionOffset))
		if err := crypto.CTRCrypt(sec.ctrKey, counter, dst); err != nil {
			return nil, err
		}
		return dst, nil

	case EncryptionTypeAesCtrEx:
		if sec.keyMissing {
			return nil, ErrNoTitleKey
		}
		upperIV := crypto.UpperIV(sec.header.CtrUpperIV)
		cur := sectionOffset
		remaining := dst
		for len(remaining) > 0 {
			gen := generationAt(sec.ctrExEntries, uint64(cur))
			boundary := sec.nextGenerationBoundary(cur)
			chunkLen := int64(len(remaining))
			if boundary > cur && boundary-cur < chunkLen {
				chunkLen = boundary - cur
			}
			counter := crypto.BuildCounterEx(upperIV, gen, uint64(sec.StartOffset()+cur))
			if err := crypto.CTRCrypt(sec.ctrKey, counter, remaining[:chunkLen]); err != nil {
				return nil, err
			}
			remaining = remaining[chunkLen:]
			cur += chunkLen
		}
		return dst, nil

	default:
		return nil, fmt.Errorf("nca: write back: %w", ErrSectionNotEncrypted)
	}
}

// hashBlockSplice reads the current plaintext of the block-aligned range
// covering [dirtyOffset, dirtyOffset+len(dirtyData)) inside a region that
// starts at regionOffset (section-relative) and is regionSize bytes long,
// splices dirtyData into it, re-encrypts the result, appends a PatchEntry
// for it, and returns the per-block SHA-256 hashes plus the block index
// range they cover. zeroPadFinal selects HierarchicalIntegrity's
// zero-padded-final-chunk convention over HierarchicalSha256's truncated one.
func (sec *SectionContext) hashBlockSplice(patch *Patch, regionOffset, regionSize int64, blockSize int64, dirtyOffset int64, dirtyData []byte, zeroPadFinal bool) (startBlock, endBlock int64, hashes [][sha256.Size]byte, err error) {
	if dirtyOffset < 0 || dirtyOffset+int64(len(dirtyData)) > regionSize {
		return 0, 0, nil, fmt.Errorf("nca: hash block splice: %w", ErrOutOfRange)
	}

	startBlock = dirtyOffset / blockSize
	endBlock = (dirtyOffset + int64(len(dirtyData)) + blockSize - 1) / blockSize
	spanStart := startBlock * blockSize
	spanEnd := endBlock * blockSize
	if spanEnd > regionSize {
		spanEnd = regionSize
	}
	spanLen := spanEnd - spanStart

	plain := make([]byte, spanLen)
	if err := sec.ReadSection(plain, regionOffset+spanStart); err != nil {
		return 0, 0, nil, fmt.Errorf("nca: hash block splice: read existing: %w", err)
	}

	copy(plain[dirtyOffset-spanStart:], dirtyData)

	cipher, err := sec.cryptWriteBack(plain, regionOffset+spanStart)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("nca: hash block splice: write back: %w", err)
	}
	patch.Entries = append(patch.Entries, PatchEntry{Offset: sec.StartOffset() + regionOffset + spanStart, Data: cipher})

	hashes = make([][sha256.Size]byte, 0, endBlock-startBlock)
	for b := startBlock; b < endBlock; b++ {
		lo := b*blockSize - spanStart
		hi := lo + blockSize
		if hi > spanLen {
			hi = spanLen
		}
		block := plain[lo:hi]
		if zeroPadFinal && int64(len(block)) < blockSize {
			padded := make([]byte, blockSize)
			copy(padded, block)
			hashes = append(hashes, sha256.Sum256(padded))
		} else {
			hashes = append(hashes, sha256.Sum256(block))
		}
	}
	return startBlock, endBlock, hashes, nil
}

// GenerateHierarchicalSha256Patch recomputes the affected hash-table blocks
// for a PartitionFs section after modifiedData has been written at
// modifiedOffset (section-relative, inside the section's data region), and
// updates the in-memory FS header's master hash in place. A section can
// carry up to MaxHashRegions regions (HashRegion[0] the outermost table,
// HashRegion[count-1] the data), and every intermediate table level is
// rebuilt in turn, innermost (the data) to outermost — the same
// level-by-level propagation GenerateHierarchicalIntegrityPatch uses for
// IVFC. Callers must follow this with ArchiveContext.EncryptHeader to
// obtain the re-encrypted header bytes covering that change (spec §4.6).
func GenerateHierarchicalSha256Patch(ctx *ArchiveContext, sectionIndex int, modifiedOffset int64, modifiedData []byte) (*Patch, error) {
	sec := ctx.Sections[sectionIndex]
	if sec == nil {
		return nil, ErrSectionNotPresent
	}
	if sec.header.HashType != HashTypeHierarchicalSha256 {
		return nil, ErrUnsupportedHashType
	}
	hd := &sec.header.Sha256Data
	if hd.HashRegionCount < 2 {
		return nil, fmt.Errorf("nca: sha256 patch: %w (region count %d)", ErrInvalidFormat, hd.HashRegionCount)
	}

	patch := &Patch{ContentID: ctx.ContentID, SectionIndex: sectionIndex}

	dataRegion := hd.HashRegion[hd.HashRegionCount-1]
	dirtyOffset := modifiedOffset - int64(dataRegion.Offset)
	dirtyData := modifiedData

	// Regions count-1..1: each iteration hashes the current dirty range of
	// the region at that index and produces the new dirty range (a run of
	// 32-byte hash entries) for the region one level out, at index-1.
	for idx := int(hd.HashRegionCount) - 1; idx >= 1; idx-- {
		region := hd.HashRegion[idx]
		startBlock, _, hashes, err := sec.hashBlockSplice(patch, int64(region.Offset), int64(region.Size), int64(hd.HashBlockSize), dirtyOffset, dirtyData, false)
		if err != nil {
			return nil, fmt.Errorf("nca: sha256 patch: region %d: %w", idx, err)
		}

		next := make([]byte, 0, len(hashes)*sha256.Size)
		for _, h := range hashes {
			next = append(next, h[:]...)
		}
		dirtyOffset = startBlock * sha256.Size
		dirtyData = next
	}

	// Region 0 has no further table above it: splice the final dirty hash
	// run directly and hash the whole region for the header's master hash.
	region0 := hd.HashRegion[0]
	fullTable, err := sec.hashBlockSpliceRaw(patch, int64(region0.Offset), int64(region0.Size), dirtyOffset, dirtyData)
	if err != nil {
		return nil, fmt.Errorf("nca: sha256 patch: region 0 table: %w", err)
	}
	hd.MasterHash = sha256.Sum256(fullTable)

	return patch, nil
}

// GenerateHierarchicalIntegrityPatch recomputes the affected IVFC hash-table
// blocks for a RomFs section, innermost level (the data, Level[5]) to
// outermost (Level[0], whose full table hashes into the FS header's master
// hash), after modifiedData has been written at modifiedOffset
// (section-relative, inside the data level's region). As with the
// Sha256 variant, callers must follow this with EncryptHeader.
func GenerateHierarchicalIntegrityPatch(ctx *ArchiveContext, sectionIndex int, modifiedOffset int64, modifiedData []byte) (*Patch, error) {
	sec := ctx.Sections[sectionIndex]
	if sec == nil {
		return nil, ErrSectionNotPresent
	}
	if sec.header.HashType != HashTypeHierarchicalIntegrity {
		return nil, ErrUnsupportedHashType
	}
	ivfc := &sec.header.IvfcData

	patch := &Patch{ContentID: ctx.ContentID, SectionIndex: sectionIndex}

	dirtyOffset := modifiedOffset
	dirtyData := modifiedData

	// Levels 5..1: each iteration hashes the current dirty range of
	// ivfc.Level[level]'s data and produces the new dirty range (a run of
	// 32-byte hash entries) for ivfc.Level[level-1], the table one level out.
	for level := len(ivfc.Level) - 1; level >= 1; level-- {
		data := ivfc.Level[level]

		startBlock, _, hashes, err := sec.hashBlockSplice(patch, int64(data.Offset), int64(data.Size), int64(data.BlockSize()), dirtyOffset, dirtyData, true)
		if err != nil {
			return nil, fmt.Errorf("nca: integrity patch: level %d: %w", level, err)
		}

		next := make([]byte, 0, len(hashes)*sha256.Size)
		for _, h := range hashes {
			next = append(next, h[:]...)
		}
		dirtyOffset = startBlock * sha256.Size
		dirtyData = next
	}

	// Level 0 has no further table above it: splice the final dirty hash
	// run directly and hash the whole (now up to date) region for the
	// header's master hash, without re-reading from the (unmodified) source.
	fullLevel0, err := sec.hashBlockSpliceRaw(patch, int64(ivfc.Level[0].Offset), int64(ivfc.Level[0].Size), dirtyOffset, dirtyData)
	if err != nil {
		return nil, fmt.Errorf("nca: integrity patch: level 0 table: %w", err)
	}
	ivfc.MasterHash = sha256.Sum256(fullLevel0)

	return patch, nil
}

// hashBlockSpliceRaw is a thin variant of hashBlockSplice for a target
// region that isn't itself going to be hashed one level further up (IVFC
// level 0, whose only consumer is the header's master hash over the whole
// region) — splices dirtyData in directly without computing per-block
// hashes, and returns the resulting plaintext (not the ciphertext patch
// entry, which it still records) so the caller can hash it without needing
// to re-read the freshly patched region back from the unmodified source.
func (sec *SectionContext) hashBlockSpliceRaw(patch *Patch, regionOffset, regionSize int64, dirtyOffset int64, dirtyData []byte) ([]byte, error) {
	if dirtyOffset < 0 || dirtyOffset+int64(len(dirtyData)) > regionSize {
		return nil, fmt.Errorf("nca: hash block splice raw: %w", ErrOutOfRange)
	}
	plain := make([]byte, regionSize)
	if err := sec.ReadSection(plain, regionOffset); err != nil {
		return nil, err
	}
	copy(plain[dirtyOffset:], dirtyData)
	cipher, err := sec.cryptWriteBack(plain, regionOffset)
	if err != nil {
		return nil, err
	}
	patch.Entries = append(patch.Entries, PatchEntry{Offset: sec.StartOffset() + regionOffset, Data: cipher})
	return plain, nil
}
