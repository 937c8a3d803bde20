package ncz

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/nscore/ncacore/pkg/content"
	"github.com/nscore/ncacore/pkg/crypto"
	"github.com/nscore/ncacore/pkg/nca"
)

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

// buildPlainCtrArchive builds a minimal one-section, unhashed AesCtr NCA3
// archive, exercising just enough of the header codec to give ExportSections
// something real to stream.
func buildPlainCtrArchive(t *testing.T) (*nca.ArchiveContext, []byte) {
	t.Helper()

	headerKey := bytes.Repeat([]byte{0x11}, crypto.XTSKeySize)
	kaek := bytes.Repeat([]byte{0x22}, crypto.BlockSize)
	var ctrKeySlot [crypto.BlockSize]byte
	copy(ctrKeySlot[:], bytes.Repeat([]byte{0x33}, crypto.BlockSize))

	sectionPlain := bytes.Repeat([]byte{0x5A}, 0x400)

	const sectionStartSector = uint32(nca.HeaderSize/nca.SectorSize + nca.FsHeaderCount*nca.FsHeaderSize/nca.SectorSize)
	sectionStart := int64(sectionStartSector) * nca.SectorSize

	upperIV := [8]byte{0, 0, 0, 1, 0xCA, 0xFE, 0xBA, 0xBE}
	sectionCipher := append([]byte(nil), sectionPlain...)
	counter := crypto.BuildCounter(crypto.UpperIV(upperIV), uint64(sectionStart))
	require.NoError(t, crypto.CTRCrypt(ctrKeySlot[:], counter, sectionCipher))

	fsh := &nca.FsHeader{
		Version:        2,
		RawFsType:      nca.RawFsTypePartitionFs,
		HashType:       nca.HashTypeNone,
		EncryptionType: nca.EncryptionTypeAesCtr,
		CtrUpperIV:     upperIV,
	}

	header := &nca.Header{}
	copy(header.Magic[:], nca.MagicNCA3)
	header.FsInfos[0] = nca.FsInfo{StartSector: sectionStartSector, EndSector: sectionStartSector + uint32(len(sectionPlain))/nca.SectorSize}
	header.FsHeaderHash[0] = sha256.Sum256(fsh.MarshalBinary())

	var keyAreaRaw [nca.KeyAreaSize]byte
	slots := [][]byte{make([]byte, crypto.BlockSize), make([]byte, crypto.BlockSize), ctrKeySlot[:], make([]byte, crypto.BlockSize)}
	for i, s := range slots {
		require.NoError(t, crypto.ECBEncrypt(keyAreaRaw[i*crypto.BlockSize:(i+1)*crypto.BlockSize], s, kaek))
	}
	header.EncryptedKeyArea = keyAreaRaw

	cipherMain := make([]byte, nca.HeaderSize)
	require.NoError(t, crypto.XTSEncrypt(cipherMain, header.MarshalBinary(), headerKey, 0, nca.SectorSize))

	raw := bytes.NewBuffer(nil)
	raw.Write(cipherMain)
	for i := 0; i < nca.FsHeaderCount; i++ {
		plain := make([]byte, nca.FsHeaderSize)
		if i == 0 {
			plain = fsh.MarshalBinary()
		}
		cipherFs := make([]byte, nca.FsHeaderSize)
		require.NoError(t, crypto.XTSEncrypt(cipherFs, plain, headerKey, uint64(2+i), nca.SectorSize))
		raw.Write(cipherFs)
	}
	raw.Write(sectionCipher)

	src := content.NewManagedSource(bytes.NewReader(raw.Bytes()))
	provider := &fakeProvider{headerKey: headerKey, kaek: kaek}
	ctx, err := nca.Initialize(src, [16]byte{9}, provider, fakeTicketStore{}, nca.NewCryptoArena(0), nca.NoopLogger())
	require.NoError(t, err)
	return ctx, sectionPlain
}

func TestExportSectionsProducesReadableStream(t *testing.T) {
	ctx, plain := buildPlainCtrArchive(t)

	var out bytes.Buffer
	require.NoError(t, ExportSections(nca.NewCryptoArena(0), ctx, &out, 3))
	require.NotZero(t, out.Len())

	raw := out.Bytes()
	require.Equal(t, []byte(MagicSectionTable), raw[:8])

	headerSize := 16              // SectionTableHeader: 8-byte magic + uint64 count
	entrySize := 8 + 8 + 8 + 8 + 16 + 16 // SectionEntry fields
	entriesStart := headerSize
	entriesEnd := entriesStart + entrySize // one section
	blockHeaderStart := entriesEnd
	require.Equal(t, []byte(MagicBlockHeader), raw[blockHeaderStart:blockHeaderStart+8])

	blockDataStart := blockHeaderStart + 24 // BlockHeader: magic(8)+ver+type+unused+blockSizeExp(4)+blockCount(4)+decompSize(8)
	sizesStart := blockDataStart
	blockSize := raw[sizesStart : sizesStart+8]
	n := 0
	for i, b := range blockSize {
		n |= int(b) << (8 * i)
	}
	compressed := raw[sizesStart+8 : sizesStart+8+n]

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	decoded, err := dec.DecodeAll(compressed, nil)
	require.NoError(t, err)
	require.Equal(t, plain, decoded)
}
