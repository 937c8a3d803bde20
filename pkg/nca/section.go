package nca

import (
	"fmt"

	"github.com/nscore/ncacore/pkg/crypto"
)

// SectionContext is one FS section's resolved cipher context: which
// encryption scheme it uses, the key material that scheme needs, and (for
// PatchRomFs sections) its parsed CTR-EX relocation table.
type SectionContext struct {
	Index   int
	archive *ArchiveContext
	fsInfo  FsInfo
	header  *FsHeader

	ctrKey  []byte
	xtsKey  []byte
	ctrExEntries []CtrExEntry
	keyMissing   bool
}

// StartOffset and EndOffset are the section's byte extent within the
// archive, derived from its sector-granular FsInfo table entry.
func (sec *SectionContext) StartOffset() int64 { return int64(sectorOffset(sec.fsInfo.StartSector)) }
func (sec *SectionContext) EndOffset() int64   { return int64(sectorOffset(sec.fsInfo.EndSector)) }
func (sec *SectionContext) Size() int64        { return sec.EndOffset() - sec.StartOffset() }

// initCipherContext resolves this section's key material from the
// archive's key area (or titlekey override) and, for CTR-EX sections,
// loads the subsection relocation table. Called once at Initialize time and
// again by RemoveTitlekeyCrypto after the key area's AesCtr slot changes.
func (sec *SectionContext) initCipherContext(ctx *ArchiveContext) error {
	sec.archive = ctx
	sec.xtsKey = ctx.KeyArea.AesXtsKey()
	sec.keyMissing = false

	if ctx.HasRightsID() {
		if ctx.titlekeyOverride == nil {
			sec.keyMissing = true
		} else {
			key := make([]byte, crypto.BlockSize)
			copy(key, ctx.titlekeyOverride[:])
			sec.ctrKey = key
		}
	} else {
		sec.ctrKey = ctx.KeyArea.AesCtrKey()
	}

	sec.ctrExEntries = nil
	if sec.header.EncryptionType == EncryptionTypeAesCtrEx {
		entries, err := sec.loadSubsectionEntries()
		if err != nil {
			return err
		}
		sec.ctrExEntries = entries
	}

	return nil
}

// readCtrPlain reads and AES-CTR-decrypts sectionOffset..+len(buf) using the
// section's ordinary (non-relocated) counter, unaligned to any block
// boundary, staging through the archive's CryptoArena. Used both for
// ordinary AesCtr sections and to bootstrap CTR-EX's own subsection table.
func (sec *SectionContext) readCtrPlain(buf []byte, sectionOffset int64) error {
	if sec.keyMissing {
		return ErrNoTitleKey
	}
	if sectionOffset < 0 || int64(len(buf)) > sec.Size()-sectionOffset {
		return ErrOutOfRange
	}

	absolute := sec.StartOffset() + sectionOffset
	base := absolute &^ (crypto.BlockSize - 1)
	lead := int(absolute - base)
	total := lead + len(buf)

	return sec.archive.Arena.Use(total, func(scratch []byte) error {
		if err := sec.archive.Source.ReadAt(scratch, base); err != nil {
			return err
		}
		upperIV := crypto.UpperIV(sec.header.CtrUpperIV)
		counter := crypto.BuildCounter(upperIV, uint64(base))
		if err := crypto.CTRCrypt(sec.ctrKey, counter, scratch); err != nil {
			return err
		}
		copy(buf, scratch[lead:lead+len(buf)])
		return nil
	})
}

// readCtrEx reads sectionOffset..+len(buf) from a PatchRomFs section,
// splitting the request at subsection-table boundaries so each chunk is
// decrypted under the correct relocated generation value. Per the
// documented CTR-EX dead-code behavior (spec Design Notes), the key used is
// the section's ordinary AesCtr key regardless of generation — only the
// counter's top 4 bytes change.
func (sec *SectionContext) readCtrEx(buf []byte, sectionOffset int64) error {
	if sec.keyMissing {
		return ErrNoTitleKey
	}
	if sectionOffset < 0 || int64(len(buf)) > sec.Size()-sectionOffset {
		return ErrOutOfRange
	}

	remaining := buf
	cur := sectionOffset
	for len(remaining) > 0 {
		gen := generationAt(sec.ctrExEntries, uint64(cur))
		chunkEnd := sec.nextGenerationBoundary(cur)
		chunkLen := int64(len(remaining))
		if chunkEnd > cur && chunkEnd-cur < chunkLen {
			chunkLen = chunkEnd - cur
		}

		absolute := sec.StartOffset() + cur
		base := absolute &^ (crypto.BlockSize - 1)
		lead := int(absolute - base)
		total := lead + int(chunkLen)

		if err := sec.archive.Arena.Use(total, func(scratch []byte) error {
			if err := sec.archive.Source.ReadAt(scratch, base); err != nil {
				return err
			}
			upperIV := crypto.UpperIV(sec.header.CtrUpperIV)
			counter := crypto.BuildCounterEx(upperIV, gen, uint64(base))
			if err := crypto.CTRCrypt(sec.ctrKey, counter, scratch); err != nil {
				return err
			}
			copy(remaining[:chunkLen], scratch[lead:lead+int(chunkLen)])
			return nil
		}); err != nil {
			return err
		}

		remaining = remaining[chunkLen:]
		cur += chunkLen
	}
	return nil
}

// nextGenerationBoundary returns the section-relative offset of the next
// relocation entry strictly after from, or 0 if there is none (meaning: no
// boundary before the end of the request).
func (sec *SectionContext) nextGenerationBoundary(from int64) int64 {
	for _, e := range sec.ctrExEntries {
		if int64(e.VirtualOffset) > from {
			return int64(e.VirtualOffset)
		}
	}
	return 0
}

// xtsSectorOfAbsolute converts an absolute archive byte offset to the XTS
// tweak sector number for this section's body. Non-NCA0 sections number
// sectors from the section's own start (offset/0x200); NCA0 bodies instead
// count from the end of the main 0x400-byte header (absolute offset 0x400 is
// sector 0), so the same absolute offset yields a different sector there (spec §4.4,
// boundary-behavior #3: an NCA0 section at start_sector S reads XTS sector
// S-2 at its first byte).
func (sec *SectionContext) xtsSectorOfAbsolute(absolute int64) uint64 {
	if sec.archive.Version == VersionNca0 {
		return uint64(absolute-HeaderSize) / SectorSize
	}
	return uint64(absolute-sec.StartOffset()) / SectorSize
}

// readXts reads sectionOffset..+len(buf) using AES-128-XTS, staging through
// the arena whenever the request isn't already sector-aligned. The sector
// fed to the tweak is resolved from the absolute archive offset via
// xtsSectorOfAbsolute, since NCA0 and NCA2/NCA3 bodies number sectors
// differently (spec §4.4).
func (sec *SectionContext) readXts(buf []byte, sectionOffset int64) error {
	if sectionOffset < 0 || int64(len(buf)) > sec.Size()-sectionOffset {
		return ErrOutOfRange
	}
	if sectionOffset%SectorSize == 0 && len(buf)%SectorSize == 0 {
		absolute := sec.StartOffset() + sectionOffset
		raw := make([]byte, len(buf))
		if err := sec.archive.Source.ReadAt(raw, absolute); err != nil {
			return err
		}
		return crypto.XTSDecrypt(buf, raw, sec.xtsKey, sec.xtsSectorOfAbsolute(absolute), SectorSize)
	}

	startSector := sectionOffset / SectorSize
	endSector := (sectionOffset+int64(len(buf))+SectorSize-1)/SectorSize
	lead := int(sectionOffset - startSector*SectorSize)
	total := int((endSector - startSector) * SectorSize)
	absolute := sec.StartOffset() + startSector*SectorSize

	return sec.archive.Arena.Use(total, func(scratch []byte) error {
		raw := make([]byte, total)
		if err := sec.archive.Source.ReadAt(raw, absolute); err != nil {
			return err
		}
		if err := crypto.XTSDecrypt(scratch, raw, sec.xtsKey, sec.xtsSectorOfAbsolute(absolute), SectorSize); err != nil {
			return err
		}
		copy(buf, scratch[lead:lead+len(buf)])
		return nil
	})
}

// ReadSection reads len(buf) plaintext bytes starting at sectionOffset
// (relative to this section's own start) dispatching on the section's
// configured encryption type — the spec §4.3 read path.
func (sec *SectionContext) ReadSection(buf []byte, sectionOffset int64) error {
	switch sec.header.EncryptionType {
	case EncryptionTypeNone:
		if sectionOffset < 0 || int64(len(buf)) > sec.Size()-sectionOffset {
			return ErrOutOfRange
		}
		return sec.archive.Source.ReadAt(buf, sec.StartOffset()+sectionOffset)
	case EncryptionTypeAesXts:
		return sec.readXts(buf, sectionOffset)
	case EncryptionTypeAesCtr:
		return sec.readCtrPlain(buf, sectionOffset)
	case EncryptionTypeAesCtrEx:
		return sec.readCtrEx(buf, sectionOffset)
	default:
		return fmt.Errorf("nca: read section %d: %w (type %d)", sec.Index, ErrSectionNotEncrypted, sec.header.EncryptionType)
	}
}
