package nca

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/nscore/ncacore/pkg/content"
	"github.com/nscore/ncacore/pkg/crypto"
)

// fakeProvider is a minimal keys.Provider for tests: one fixed header key
// and one fixed KAEK at (kaekIndex 0, keyGeneration 0), no signature
// modulus (so main-signature verification is skipped rather than failing),
// and no title keks (no test archive here uses a rights ID).
type fakeProvider struct {
	headerKey []byte
	kaek      []byte
}

func (p *fakeProvider) HeaderKey() ([]byte, bool) { return p.headerKey, true }

func (p *fakeProvider) KeyAreaEncryptionKey(kaekIndex, keyGeneration uint8) ([]byte, bool) {
	if kaekIndex == 0 && keyGeneration == 0 {
		return p.kaek, true
	}
	return nil, false
}

func (p *fakeProvider) MainSignatureModulus(uint8) ([]byte, bool) { return nil, false }
func (p *fakeProvider) TitleKek(uint8) ([]byte, bool)             { return nil, false }

type fakeTicketStore struct{}

func (fakeTicketStore) RetrieveTitleKey([16]byte, bool) ([16]byte, bool) { return [16]byte{}, false }

// syntheticArchive bundles together one hand-built, CTR-only,
// HierarchicalSha256 single-section NCA3 archive and everything needed to
// feed it to Initialize.
type syntheticArchive struct {
	raw          []byte
	provider     *fakeProvider
	tickets      fakeTicketStore
	contentID    [16]byte
	dataPlain    []byte // the section's data-region plaintext, as placed on "disk"
	dataRegion   HashRegion
	tableRegion  HashRegion
	sectionStart int64
}

// buildSha256Archive constructs a minimal but fully self-consistent NCA3
// image: header region (0xC00 bytes) followed by one AesCtr,
// HierarchicalSha256-hashed PartitionFs section.
func buildSha256Archive(t *testing.T) *syntheticArchive {
	t.Helper()

	headerKey := bytes.Repeat([]byte{0x11}, crypto.XTSKeySize)
	kaek := bytes.Repeat([]byte{0x22}, crypto.BlockSize)

	var ctrKeySlot [crypto.BlockSize]byte
	copy(ctrKeySlot[:], bytes.Repeat([]byte{0x33}, crypto.BlockSize))
	var xts1, xts2 [crypto.BlockSize]byte
	copy(xts1[:], bytes.Repeat([]byte{0x44}, crypto.BlockSize))
	copy(xts2[:], bytes.Repeat([]byte{0x55}, crypto.BlockSize))

	const blockSize = 0x200
	tableRegion := HashRegion{Offset: 0, Size: 0x200}
	dataRegion := HashRegion{Offset: 0x200, Size: 0x400}

	dataPlain := make([]byte, dataRegion.Size)
	for i := range dataPlain {
		dataPlain[i] = byte(i)
	}

	tableData := make([]byte, tableRegion.Size)
	numBlocks := int(dataRegion.Size) / blockSize
	for b := 0; b < numBlocks; b++ {
		h := sha256.Sum256(dataPlain[b*blockSize : (b+1)*blockSize])
		copy(tableData[b*sha256.Size:], h[:])
	}
	masterHash := sha256.Sum256(tableData)

	sectionPlain := make([]byte, tableRegion.Size+dataRegion.Size)
	copy(sectionPlain[tableRegion.Offset:], tableData)
	copy(sectionPlain[dataRegion.Offset:], dataPlain)

	const sectionStartSector = uint32(HeaderSize/SectorSize + FsHeaderCount*FsHeaderSize/SectorSize)
	sectionStart := int64(sectorOffset(sectionStartSector))

	upperIV := [8]byte{0, 0, 0, 1, 0xDE, 0xAD, 0xBE, 0xEF}
	sectionCipher := append([]byte(nil), sectionPlain...)
	counter := crypto.BuildCounter(crypto.UpperIV(upperIV), uint64(sectionStart))
	if err := crypto.CTRCrypt(ctrKeySlot[:], counter, sectionCipher); err != nil {
		t.Fatalf("ctr encrypt section: %v", err)
	}

	fsh := &FsHeader{
		Version:        2,
		RawFsType:      RawFsTypePartitionFs,
		HashType:       HashTypeHierarchicalSha256,
		EncryptionType: EncryptionTypeAesCtr,
		CtrUpperIV:     upperIV,
	}
	fsh.Sha256Data.HashBlockSize = blockSize
	fsh.Sha256Data.HashRegionCount = 2
	fsh.Sha256Data.HashRegion[0] = tableRegion
	fsh.Sha256Data.HashRegion[1] = dataRegion
	fsh.Sha256Data.MasterHash = masterHash

	header := &Header{}
	copy(header.Magic[:], MagicNCA3)
	header.KeyGeneration = 0
	header.KaekIndex = 0
	header.FsInfos[0] = FsInfo{StartSector: sectionStartSector, EndSector: sectionStartSector + uint32(len(sectionPlain))/SectorSize}
	header.FsHeaderHash[0] = sha256.Sum256(fsh.MarshalBinary())

	var keyAreaRaw [KeyAreaSize]byte
	slots := [][]byte{xts1[:], xts2[:], ctrKeySlot[:], make([]byte, crypto.BlockSize)}
	for i, s := range slots {
		if err := crypto.ECBEncrypt(keyAreaRaw[i*crypto.BlockSize:(i+1)*crypto.BlockSize], s, kaek); err != nil {
			t.Fatalf("wrap key area slot %d: %v", i, err)
		}
	}
	header.EncryptedKeyArea = keyAreaRaw

	plainMain := header.MarshalBinary()
	cipherMain := make([]byte, HeaderSize)
	if err := crypto.XTSEncrypt(cipherMain, plainMain, headerKey, 0, SectorSize); err != nil {
		t.Fatalf("encrypt main header: %v", err)
	}

	raw := bytes.NewBuffer(nil)
	raw.Write(cipherMain)

	for i := 0; i < FsHeaderCount; i++ {
		var plain []byte
		if i == 0 {
			plain = fsh.MarshalBinary()
		} else {
			plain = make([]byte, FsHeaderSize)
		}
		cipherFs := make([]byte, FsHeaderSize)
		if err := crypto.XTSEncrypt(cipherFs, plain, headerKey, fsHeaderSector(VersionNca3, i), SectorSize); err != nil {
			t.Fatalf("encrypt fs header %d: %v", i, err)
		}
		raw.Write(cipherFs)
	}
	raw.Write(sectionCipher)

	return &syntheticArchive{
		raw:          raw.Bytes(),
		provider:     &fakeProvider{headerKey: headerKey, kaek: kaek},
		contentID:    [16]byte{1, 2, 3},
		dataPlain:    dataPlain,
		dataRegion:   dataRegion,
		tableRegion:  tableRegion,
		sectionStart: sectionStart,
	}
}

func (s *syntheticArchive) source() content.Source {
	return content.NewManagedSource(bytes.NewReader(s.raw))
}
