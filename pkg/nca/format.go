package nca

import "encoding/binary"

// Byte-exact sizes of the structures this package marshals. These mirror
// the real NCA on-disk layout closely enough to round-trip and to exercise
// every invariant spec.md names; where original_source's nca.c didn't carry
// the struct definitions themselves (only the functions that operate on
// them), offsets below were reconstructed from the field list spec.md §6
// gives and from widely documented Switch container-format conventions.
const (
	HeaderSize     = 0x400 // main header: two signatures + body
	FsHeaderSize   = 0x200
	FsHeaderCount  = 4
	FullHeaderSize = HeaderSize + FsHeaderCount*FsHeaderSize // 0xC00

	SectorSize      = 0x200 // AES-XTS sector / media unit size
	Sha256Size      = 0x20
	AesBlockSize    = 0x10
	RsaModulusSize  = 0x100
	SignatureSize   = 0x100
	RightsIDSize    = 0x10
	KeyAreaSize     = 0x40 // 4 x 16-byte slots
	RsaPublicExp    = 0x010001
	MaxHashRegions  = 5
	IvfcLevelCount  = 6
	SignatureOffset = 0x200 // message for the main signature starts at the magic field
	SignatureMsgLen = 0x200

	MagicNCA3 = "NCA3"
	MagicNCA2 = "NCA2"
	MagicNCA0 = "NCA0"

	MagicBKTR = "BKTR"
	BktrVersionExpected = 2
)

// Version is the NCA format generation, which drives XTS sector-numbering
// conventions for the header and FS-header decrypt pipeline (spec §4.1).
type Version int

const (
	VersionNca0 Version = iota
	VersionNca2
	VersionNca3
)

// FsSectionType classifies what filesystem a section's body holds.
type FsSectionType int

const (
	FsSectionTypePartitionFs FsSectionType = iota
	FsSectionTypeRomFs
	FsSectionTypePatchRomFs
	FsSectionTypeNca0RomFs
	FsSectionTypeInvalid
)

// EncryptionType selects the per-section streaming cipher.
type EncryptionType uint8

const (
	EncryptionTypeAuto EncryptionType = iota
	EncryptionTypeNone
	EncryptionTypeAesXts
	EncryptionTypeAesCtr
	EncryptionTypeAesCtrEx
)

// HashType selects the hash-tree scheme protecting a section's data.
type HashType uint8

const (
	HashTypeAuto HashType = iota
	HashTypeNone
	HashTypeHierarchicalSha256
	HashTypeHierarchicalIntegrity
)

// RawFsType is the on-disk filesystem-shape tag in an FS header, distinct
// from FsSectionType (which also folds in hash scheme / CTR-EX-ness).
type RawFsType uint8

const (
	RawFsTypeRomFs RawFsType = iota
	RawFsTypePartitionFs
)

// FsInfo is one of the four section-table entries in the main header body:
// the section's extent in 0x200-byte sectors.
type FsInfo struct {
	StartSector uint32
	EndSector   uint32
	Unused1     uint32
	Unused2     uint32
}

const fsInfoSize = 16

func (f *FsInfo) unmarshal(b []byte) {
	f.StartSector = binary.LittleEndian.Uint32(b[0:4])
	f.EndSector = binary.LittleEndian.Uint32(b[4:8])
	f.Unused1 = binary.LittleEndian.Uint32(b[8:12])
	f.Unused2 = binary.LittleEndian.Uint32(b[12:16])
}

func (f *FsInfo) marshal(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], f.StartSector)
	binary.LittleEndian.PutUint32(b[4:8], f.EndSector)
	binary.LittleEndian.PutUint32(b[8:12], f.Unused1)
	binary.LittleEndian.PutUint32(b[12:16], f.Unused2)
}

// IsValid mirrors ncaIsFsInfoEntryValid: a populated entry is non-zero.
func (f *FsInfo) IsValid() bool {
	return f.StartSector != 0 || f.EndSector != 0 || f.Unused1 != 0 || f.Unused2 != 0
}

// Header is the decrypted 0x400-byte NCA main header.
type Header struct {
	MainSignature          [SignatureSize]byte
	FixedKeySignature      [SignatureSize]byte
	Magic                  [4]byte
	DistributionType       uint8
	ContentType            uint8
	KeyGenerationOld       uint8
	KaekIndex              uint8
	ContentSize            uint64
	ProgramID              uint64
	ContentIndex           uint32
	SdkAddonVersion        uint32
	KeyGeneration          uint8
	MainSignatureKeyGen    uint8
	HeaderReserved         [0xE]byte
	RightsID               [RightsIDSize]byte
	FsInfos                [FsHeaderCount]FsInfo
	FsHeaderHash            [FsHeaderCount][Sha256Size]byte
	EncryptedKeyArea        [KeyAreaSize]byte
	BodyReserved            [0xC0]byte
}

// MarshalBinary renders the header as its exact 0x400-byte plaintext form.
func (h *Header) MarshalBinary() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0x000:0x100], h.MainSignature[:])
	copy(b[0x100:0x200], h.FixedKeySignature[:])
	copy(b[0x200:0x204], h.Magic[:])
	b[0x204] = h.DistributionType
	b[0x205] = h.ContentType
	b[0x206] = h.KeyGenerationOld
	b[0x207] = h.KaekIndex
	binary.LittleEndian.PutUint64(b[0x208:0x210], h.ContentSize)
	binary.LittleEndian.PutUint64(b[0x210:0x218], h.ProgramID)
	binary.LittleEndian.PutUint32(b[0x218:0x21C], h.ContentIndex)
	binary.LittleEndian.PutUint32(b[0x21C:0x220], h.SdkAddonVersion)
	b[0x220] = h.KeyGeneration
	b[0x221] = h.MainSignatureKeyGen
	copy(b[0x222:0x230], h.HeaderReserved[:])
	copy(b[0x230:0x240], h.RightsID[:])
	for i := range h.FsInfos {
		h.FsInfos[i].marshal(b[0x240+i*fsInfoSize : 0x240+(i+1)*fsInfoSize])
	}
	for i := range h.FsHeaderHash {
		copy(b[0x280+i*Sha256Size:0x280+(i+1)*Sha256Size], h.FsHeaderHash[i][:])
	}
	copy(b[0x300:0x340], h.EncryptedKeyArea[:])
	copy(b[0x340:0x400], h.BodyReserved[:])
	return b
}

// UnmarshalHeader parses a decrypted 0x400-byte plaintext header.
func UnmarshalHeader(b []byte) (*Header, error) {
	if len(b) != HeaderSize {
		return nil, ErrInvalidFormat
	}
	h := &Header{}
	copy(h.MainSignature[:], b[0x000:0x100])
	copy(h.FixedKeySignature[:], b[0x100:0x200])
	copy(h.Magic[:], b[0x200:0x204])
	h.DistributionType = b[0x204]
	h.ContentType = b[0x205]
	h.KeyGenerationOld = b[0x206]
	h.KaekIndex = b[0x207]
	h.ContentSize = binary.LittleEndian.Uint64(b[0x208:0x210])
	h.ProgramID = binary.LittleEndian.Uint64(b[0x210:0x218])
	h.ContentIndex = binary.LittleEndian.Uint32(b[0x218:0x21C])
	h.SdkAddonVersion = binary.LittleEndian.Uint32(b[0x21C:0x220])
	h.KeyGeneration = b[0x220]
	h.MainSignatureKeyGen = b[0x221]
	copy(h.HeaderReserved[:], b[0x222:0x230])
	copy(h.RightsID[:], b[0x230:0x240])
	for i := range h.FsInfos {
		h.FsInfos[i].unmarshal(b[0x240+i*fsInfoSize : 0x240+(i+1)*fsInfoSize])
	}
	for i := range h.FsHeaderHash {
		copy(h.FsHeaderHash[i][:], b[0x280+i*Sha256Size:0x280+(i+1)*Sha256Size])
	}
	copy(h.EncryptedKeyArea[:], b[0x300:0x340])
	copy(h.BodyReserved[:], b[0x340:0x400])
	return h, nil
}

// HashRegion is one HierarchicalSha256 region entry.
type HashRegion struct {
	Offset uint64
	Size   uint64
}

// LevelInfo is one HierarchicalIntegrity (IVFC) verification level entry.
type LevelInfo struct {
	Offset     uint64
	Size       uint64
	BlockOrder uint32
	Reserved   uint32
}

// BlockSize returns 1 << BlockOrder, the IVFC level's hash-block size.
func (l LevelInfo) BlockSize() uint64 { return uint64(1) << l.BlockOrder }

// HierarchicalSha256Data is the HashData union arm used by PartitionFs
// sections: a flat array of up to 5 hash regions sharing one block size.
type HierarchicalSha256Data struct {
	MasterHash      [Sha256Size]byte
	HashBlockSize   uint32
	HashRegionCount uint32
	HashRegion      [MaxHashRegions]HashRegion
}

// BucketHeader is the BKTR magic/version/entry-count preamble shared by the
// relocation and subsection bucket tables (spec glossary: BKTR).
type BucketHeader struct {
	Magic      [4]byte
	Version    uint32
	EntryCount uint32
	Reserved   uint32
}

// BucketInfo locates and labels one bucket table (relocation or subsection).
type BucketInfo struct {
	Offset uint64
	Size   uint64
	Header BucketHeader
}

const bucketInfoSize = 0x20

func (b *BucketInfo) unmarshal(d []byte) {
	b.Offset = binary.LittleEndian.Uint64(d[0:8])
	b.Size = binary.LittleEndian.Uint64(d[8:16])
	copy(b.Header.Magic[:], d[16:20])
	b.Header.Version = binary.LittleEndian.Uint32(d[20:24])
	b.Header.EntryCount = binary.LittleEndian.Uint32(d[24:28])
	b.Header.Reserved = binary.LittleEndian.Uint32(d[28:32])
}

func (b *BucketInfo) marshal(d []byte) {
	binary.LittleEndian.PutUint64(d[0:8], b.Offset)
	binary.LittleEndian.PutUint64(d[8:16], b.Size)
	copy(d[16:20], b.Header.Magic[:])
	binary.LittleEndian.PutUint32(d[20:24], b.Header.Version)
	binary.LittleEndian.PutUint32(d[24:28], b.Header.EntryCount)
	binary.LittleEndian.PutUint32(d[28:32], b.Header.Reserved)
}

// IntegrityMetaInfo is the HashData union arm used by RomFs sections: a
// 6-level IVFC tree plus the salt/master-hash pair.
type IntegrityMetaInfo struct {
	Magic          [4]byte
	Version        uint32
	MasterHashSize uint32
	MaxLevelCount  uint32
	Level          [IvfcLevelCount]LevelInfo
	SignatureSalt  [0x20]byte
	MasterHash     [Sha256Size]byte
}

// SparseInfo describes the archive-level indirection a sparse layer uses;
// excluded from patch generation (spec §4.6).
type SparseInfo struct {
	PhysicalOffset uint64
	Bucket         BucketInfo
	Generation     uint16
	Reserved       [6]byte
}

// FsHeader is the decrypted 0x200-byte per-section header.
type FsHeader struct {
	Version        uint16
	RawFsType      RawFsType
	HashType       HashType
	EncryptionType EncryptionType
	Reserved0      [3]byte

	IsIntegrity bool // selects which HashData arm below is populated
	Sha256Data  HierarchicalSha256Data
	IvfcData    IntegrityMetaInfo

	PatchRelocation BucketInfo
	PatchSubsection BucketInfo
	CtrUpperIV      [8]byte
	Sparse          SparseInfo

	Tail [0x88]byte // unused reserved tail, preserved byte-for-byte on round-trip
}

const (
	fsHeaderHashDataOffset = 0x08
	fsHeaderHashDataSize   = 0xF8
	fsHeaderBktrOffset     = 0x100
	fsHeaderCtrIVOffset    = 0x140
	fsHeaderSparseOffset   = 0x148
	fsHeaderTailOffset     = 0x178 // PhysicalOffset(8) + BucketInfo(0x20) + Generation(2) + Reserved(6) past fsHeaderSparseOffset
)

// MarshalBinary renders the FS header as its exact 0x200-byte plaintext form.
func (f *FsHeader) MarshalBinary() []byte {
	b := make([]byte, FsHeaderSize)
	binary.LittleEndian.PutUint16(b[0:2], f.Version)
	b[2] = uint8(f.RawFsType)
	b[3] = uint8(f.HashType)
	b[4] = uint8(f.EncryptionType)
	copy(b[5:8], f.Reserved0[:])

	hd := b[fsHeaderHashDataOffset : fsHeaderHashDataOffset+fsHeaderHashDataSize]
	if f.IsIntegrity {
		marshalIntegrityMetaInfo(hd, &f.IvfcData)
	} else {
		marshalHierarchicalSha256Data(hd, &f.Sha256Data)
	}

	f.PatchRelocation.marshal(b[fsHeaderBktrOffset : fsHeaderBktrOffset+bucketInfoSize])
	f.PatchSubsection.marshal(b[fsHeaderBktrOffset+bucketInfoSize : fsHeaderBktrOffset+2*bucketInfoSize])
	copy(b[fsHeaderCtrIVOffset:fsHeaderCtrIVOffset+8], f.CtrUpperIV[:])

	sp := b[fsHeaderSparseOffset:fsHeaderTailOffset]
	binary.LittleEndian.PutUint64(sp[0:8], f.Sparse.PhysicalOffset)
	f.Sparse.Bucket.marshal(sp[8 : 8+bucketInfoSize])
	binary.LittleEndian.PutUint16(sp[8+bucketInfoSize:8+bucketInfoSize+2], f.Sparse.Generation)
	copy(sp[8+bucketInfoSize+2:], f.Sparse.Reserved[:])

	copy(b[fsHeaderTailOffset:], f.Tail[:])
	return b
}

// UnmarshalFsHeader parses a decrypted 0x200-byte plaintext FS header.
func UnmarshalFsHeader(b []byte) (*FsHeader, error) {
	if len(b) != FsHeaderSize {
		return nil, ErrInvalidFormat
	}
	f := &FsHeader{}
	f.Version = binary.LittleEndian.Uint16(b[0:2])
	f.RawFsType = RawFsType(b[2])
	f.HashType = HashType(b[3])
	f.EncryptionType = EncryptionType(b[4])
	copy(f.Reserved0[:], b[5:8])

	hd := b[fsHeaderHashDataOffset : fsHeaderHashDataOffset+fsHeaderHashDataSize]
	f.IsIntegrity = f.HashType == HashTypeHierarchicalIntegrity
	if f.IsIntegrity {
		f.IvfcData = unmarshalIntegrityMetaInfo(hd)
	} else {
		f.Sha256Data = unmarshalHierarchicalSha256Data(hd)
	}

	f.PatchRelocation.unmarshal(b[fsHeaderBktrOffset : fsHeaderBktrOffset+bucketInfoSize])
	f.PatchSubsection.unmarshal(b[fsHeaderBktrOffset+bucketInfoSize : fsHeaderBktrOffset+2*bucketInfoSize])
	copy(f.CtrUpperIV[:], b[fsHeaderCtrIVOffset:fsHeaderCtrIVOffset+8])

	sp := b[fsHeaderSparseOffset:fsHeaderTailOffset]
	f.Sparse.PhysicalOffset = binary.LittleEndian.Uint64(sp[0:8])
	f.Sparse.Bucket.unmarshal(sp[8 : 8+bucketInfoSize])
	f.Sparse.Generation = binary.LittleEndian.Uint16(sp[8+bucketInfoSize : 8+bucketInfoSize+2])
	copy(f.Sparse.Reserved[:], sp[8+bucketInfoSize+2:])

	copy(f.Tail[:], b[fsHeaderTailOffset:])
	return f, nil
}

func marshalHierarchicalSha256Data(b []byte, d *HierarchicalSha256Data) {
	copy(b[0:0x20], d.MasterHash[:])
	binary.LittleEndian.PutUint32(b[0x20:0x24], d.HashBlockSize)
	binary.LittleEndian.PutUint32(b[0x24:0x28], d.HashRegionCount)
	for i, r := range d.HashRegion {
		off := 0x28 + i*16
		binary.LittleEndian.PutUint64(b[off:off+8], r.Offset)
		binary.LittleEndian.PutUint64(b[off+8:off+16], r.Size)
	}
}

func unmarshalHierarchicalSha256Data(b []byte) HierarchicalSha256Data {
	var d HierarchicalSha256Data
	copy(d.MasterHash[:], b[0:0x20])
	d.HashBlockSize = binary.LittleEndian.Uint32(b[0x20:0x24])
	d.HashRegionCount = binary.LittleEndian.Uint32(b[0x24:0x28])
	for i := range d.HashRegion {
		off := 0x28 + i*16
		d.HashRegion[i].Offset = binary.LittleEndian.Uint64(b[off : off+8])
		d.HashRegion[i].Size = binary.LittleEndian.Uint64(b[off+8 : off+16])
	}
	return d
}

func marshalIntegrityMetaInfo(b []byte, d *IntegrityMetaInfo) {
	copy(b[0:4], d.Magic[:])
	binary.LittleEndian.PutUint32(b[4:8], d.Version)
	binary.LittleEndian.PutUint32(b[8:12], d.MasterHashSize)
	binary.LittleEndian.PutUint32(b[12:16], d.MaxLevelCount)
	for i, l := range d.Level {
		off := 16 + i*24
		binary.LittleEndian.PutUint64(b[off:off+8], l.Offset)
		binary.LittleEndian.PutUint64(b[off+8:off+16], l.Size)
		binary.LittleEndian.PutUint32(b[off+16:off+20], l.BlockOrder)
		binary.LittleEndian.PutUint32(b[off+20:off+24], l.Reserved)
	}
	saltOff := 16 + len(d.Level)*24
	copy(b[saltOff:saltOff+0x20], d.SignatureSalt[:])
	copy(b[saltOff+0x20:saltOff+0x40], d.MasterHash[:])
}

func unmarshalIntegrityMetaInfo(b []byte) IntegrityMetaInfo {
	var d IntegrityMetaInfo
	copy(d.Magic[:], b[0:4])
	d.Version = binary.LittleEndian.Uint32(b[4:8])
	d.MasterHashSize = binary.LittleEndian.Uint32(b[8:12])
	d.MaxLevelCount = binary.LittleEndian.Uint32(b[12:16])
	for i := range d.Level {
		off := 16 + i*24
		d.Level[i].Offset = binary.LittleEndian.Uint64(b[off : off+8])
		d.Level[i].Size = binary.LittleEndian.Uint64(b[off+8 : off+16])
		d.Level[i].BlockOrder = binary.LittleEndian.Uint32(b[off+16 : off+20])
		d.Level[i].Reserved = binary.LittleEndian.Uint32(b[off+20 : off+24])
	}
	saltOff := 16 + len(d.Level)*24
	copy(d.SignatureSalt[:], b[saltOff:saltOff+0x20])
	copy(d.MasterHash[:], b[saltOff+0x20:saltOff+0x40])
	return d
}

// sectorOffset converts a 0x200-byte sector index into a byte offset.
func sectorOffset(sector uint32) uint64 { return uint64(sector) * SectorSize }
