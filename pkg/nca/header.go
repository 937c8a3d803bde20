package nca

import (
	"bytes"
	"crypto"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"math/big"

	ncrypto "github.com/nscore/ncacore/pkg/crypto"
	"github.com/nscore/ncacore/pkg/content"
	"github.com/nscore/ncacore/pkg/keys"
)

// ArchiveContext is the decrypted, working view of one NCA: its header, its
// four FS headers, the unwrapped key area, and the per-section cipher
// contexts derived from them. It is the object every other operation in
// this package (patch generation, patch application, section reads) takes
// as its subject.
type ArchiveContext struct {
	Version   Version
	Header    *Header
	FsHeaders [FsHeaderCount]*FsHeader
	Sections  [FsHeaderCount]*SectionContext

	KeyArea          *KeyArea
	KeyAreaPlaintext bool

	ContentID [16]byte
	Source    content.Source
	Provider  keys.Provider
	Tickets   keys.TicketStore
	Arena     *CryptoArena
	Log       Logger

	titlekeyOverride *[ncrypto.BlockSize]byte
	signatureVerified bool
}

// HasRightsID reports whether this archive's body is titlekey-crypto,
// i.e. its section ciphers key off an externally supplied titlekey instead
// of the key area's own AesCtr slot.
func (ctx *ArchiveContext) HasRightsID() bool {
	return ctx.Header.RightsID != [RightsIDSize]byte{}
}

// EffectiveKeyGeneration resolves the header's two overlapping
// key-generation fields: the original 1-byte field and its newer
// replacement, the newer one winning whenever it is populated.
func (h *Header) EffectiveKeyGeneration() uint8 {
	if h.KeyGeneration != 0 {
		return h.KeyGeneration
	}
	return h.KeyGenerationOld
}

// fsHeaderSector returns the AES-XTS tweak sector used to decrypt FS header i
// out of the contiguous 0xC00-byte header blob, under the header key. This
// scheme only applies to NCA2/NCA3: NCA3 numbers each FS header's sector by
// its own position in the blob (2+i, past the main header's two sectors);
// NCA2 resets to sector 0 for every structure it decrypts, main header and
// FS headers alike. NCA0 FS headers are not part of this blob at all — see
// the NCA0 branch in Initialize/EncryptHeader.
func fsHeaderSector(version Version, index int) uint64 {
	if version == VersionNca3 {
		return uint64(2 + index)
	}
	return 0
}

// Initialize reads and decrypts a full NCA header (main header + 4 FS
// headers) from src, verifies the main signature and FS header hashes, and
// unwraps the key area — the complete spec §4.1/§4.2 pipeline.
func Initialize(src content.Source, contentID [16]byte, provider keys.Provider, tickets keys.TicketStore, arena *CryptoArena, logger Logger) (*ArchiveContext, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	if arena == nil {
		arena = NewCryptoArena(0)
	}

	headerKey, ok := provider.HeaderKey()
	if !ok {
		return nil, fmt.Errorf("nca: initialize: %w (header key)", ErrMissingKey)
	}

	raw := make([]byte, HeaderSize)
	if err := src.ReadAt(raw, 0); err != nil {
		return nil, fmt.Errorf("nca: initialize: read main header: %w", err)
	}

	plainMain := make([]byte, HeaderSize)
	if err := ncrypto.XTSDecrypt(plainMain, raw, headerKey, 0, SectorSize); err != nil {
		return nil, fmt.Errorf("nca: initialize: decrypt main header: %w", err)
	}

	header, err := UnmarshalHeader(plainMain)
	if err != nil {
		return nil, err
	}

	var version Version
	switch string(header.Magic[:]) {
	case MagicNCA3:
		version = VersionNca3
	case MagicNCA2:
		version = VersionNca2
	case MagicNCA0:
		version = VersionNca0
	default:
		return nil, fmt.Errorf("nca: initialize: %w (magic %q)", ErrInvalidFormat, header.Magic[:])
	}

	// The main header always sits at structure-sector 0 under either version's
	// numbering. Only the FS headers, handled below, differ by version.

	ctx := &ArchiveContext{
		Version:   version,
		Header:    header,
		ContentID: contentID,
		Source:    src,
		Provider:  provider,
		Tickets:   tickets,
		Arena:     arena,
		Log:       logger,
	}

	// A failed (or unverifiable) main signature is recorded, not fatal:
	// verifyMainSignature returns nil both for a mismatch and for a missing
	// modulus.
	if err := ctx.verifyMainSignature(); err != nil {
		return nil, err
	}

	slotCount := keyAreaSlotCount
	if version == VersionNca0 {
		slotCount = keyAreaNca0SlotCount
	}
	keyArea, plaintextKeyArea, err := DecryptKeyArea(header.EncryptedKeyArea, slotCount, header.KaekIndex, header.EffectiveKeyGeneration(), provider)
	if err != nil {
		return nil, fmt.Errorf("nca: initialize: %w", err)
	}
	ctx.KeyArea = keyArea
	ctx.KeyAreaPlaintext = plaintextKeyArea

	survivors := 0
	for i := 0; i < FsHeaderCount; i++ {
		if !ctx.Header.FsInfos[i].IsValid() {
			continue
		}

		var plainFs []byte
		switch version {
		case VersionNca0:
			// NCA0 FS headers live inline at the front of their own section,
			// not in the contiguous header blob, and are decrypted with the
			// section's own XTS key pair rather than the header key (spec
			// §4.1; original_source nca.c:662,674).
			fsInfo := ctx.Header.FsInfos[i]
			rawFs := make([]byte, FsHeaderSize)
			if err := src.ReadAt(rawFs, int64(sectorOffset(fsInfo.StartSector))); err != nil {
				return nil, fmt.Errorf("nca: initialize: read fs header %d: %w", i, err)
			}
			plainFs = make([]byte, FsHeaderSize)
			sector := uint64(fsInfo.StartSector) - 2
			if err := ncrypto.XTSDecrypt(plainFs, rawFs, ctx.KeyArea.AesXtsKey(), sector, SectorSize); err != nil {
				return nil, fmt.Errorf("nca: initialize: decrypt fs header %d: %w", i, err)
			}

		default:
			structBase := uint64(HeaderSize/SectorSize) + uint64(i)*uint64(FsHeaderSize/SectorSize)
			rawFs := make([]byte, FsHeaderSize)
			if err := src.ReadAt(rawFs, int64(structBase*SectorSize)); err != nil {
				return nil, fmt.Errorf("nca: initialize: read fs header %d: %w", i, err)
			}
			plainFs = make([]byte, FsHeaderSize)
			if err := ncrypto.XTSDecrypt(plainFs, rawFs, headerKey, fsHeaderSector(version, i), SectorSize); err != nil {
				return nil, fmt.Errorf("nca: initialize: decrypt fs header %d: %w", i, err)
			}
		}

		digest := sha256.Sum256(plainFs)
		if digest != header.FsHeaderHash[i] {
			logger.Printf("nca: fs header %d: %v, skipping section", i, ErrFsHeaderHashMismatch)
			continue
		}

		fsh, err := UnmarshalFsHeader(plainFs)
		if err != nil {
			logger.Printf("nca: fs header %d: %v, skipping section", i, err)
			continue
		}
		ctx.FsHeaders[i] = fsh
		survivors++
	}

	if survivors == 0 {
		return nil, fmt.Errorf("nca: initialize: %w", ErrNoSectionsSurvived)
	}

	if ctx.HasRightsID() && tickets != nil {
		if tk, ok := tickets.RetrieveTitleKey(header.RightsID, src.Origin == content.OriginGameCard); ok {
			ctx.titlekeyOverride = &tk
		} else {
			logger.Printf("nca: no titlekey available for rights id %x", header.RightsID)
		}
	}

	for i := 0; i < FsHeaderCount; i++ {
		if ctx.FsHeaders[i] == nil {
			continue
		}
		sec := &SectionContext{Index: i, archive: ctx, fsInfo: header.FsInfos[i], header: ctx.FsHeaders[i]}
		if err := sec.initCipherContext(ctx); err != nil {
			return nil, fmt.Errorf("nca: initialize: section %d: %w", i, err)
		}
		ctx.Sections[i] = sec
	}

	return ctx, nil
}

// verifyMainSignature checks the RSA-2048-PSS-SHA256 main signature over
// the 0x200-byte message starting at the magic field, using the modulus
// registered for the header's main-signature key generation, and records
// the outcome on ctx.signatureVerified. A provider that has no modulus for
// that generation, or a signature that fails verification, is recorded as
// "not verified" rather than treated as fatal: Initialize never aborts on
// the strength of this check alone (spec §4.1 step 5 / §7 SignatureInvalid).
// Every path returns nil.
func (ctx *ArchiveContext) verifyMainSignature() error {
	modulus, ok := ctx.Provider.MainSignatureModulus(ctx.Header.MainSignatureKeyGen)
	if !ok {
		ctx.Log.Printf("nca: no main signature modulus for key generation %d, skipping verification", ctx.Header.MainSignatureKeyGen)
		return nil
	}

	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: RsaPublicExp}
	full := ctx.Header.MarshalBinary()
	message := full[SignatureOffset : SignatureOffset+SignatureMsgLen]
	hashed := sha256.Sum256(message)

	if err := rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], ctx.Header.MainSignature[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}); err != nil {
		ctx.Log.Printf("nca: %v: %v, recording invalid and continuing", ErrSignatureMismatch, err)
		ctx.signatureVerified = false
		return nil
	}
	ctx.signatureVerified = true
	return nil
}

// signMainHeader (re-)signs the main header body in place, used by
// EncryptHeader when a caller holds the private key material for the
// header's signing generation (testing, or a re-signing tool). Most
// callers never call this: EncryptHeader leaves an existing signature
// untouched when no signer is supplied.
func signMainHeader(priv *rsa.PrivateKey, header *Header) error {
	full := header.MarshalBinary()
	message := full[SignatureOffset : SignatureOffset+SignatureMsgLen]
	hashed := sha256.Sum256(message)
	sig, err := rsa.SignPSS(cryptorand.Reader, priv, crypto.SHA256, hashed[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256})
	if err != nil {
		return err
	}
	copy(header.MainSignature[:], sig)
	return nil
}

// EncryptHeader re-encrypts the archive's main header back to its on-disk
// ciphertext form, recomputing FS header hashes and re-wrapping the key
// area. signer may be nil to leave MainSignature as-is (the common case:
// patch/remove-titlekey-crypto workflows don't change anything the
// signature covers except fields callers have deliberately decided to
// re-sign).
//
// For NCA2/NCA3 the returned bytes also carry the four FS headers, since
// those live in the same contiguous 0xC00-byte blob as the main header. For
// NCA0 they don't — each FS header lives inline at its own section's start
// sector (see Initialize) — so the returned bytes are just the 0x400-byte
// main header; writing an NCA0 FS header's ciphertext back after a patch
// that touched it is the caller's responsibility.
func (ctx *ArchiveContext) EncryptHeader(signer *rsa.PrivateKey) ([]byte, error) {
	headerKey, ok := ctx.Provider.HeaderKey()
	if !ok {
		return nil, fmt.Errorf("nca: encrypt header: %w (header key)", ErrMissingKey)
	}

	keyAreaRaw, err := EncryptKeyArea(ctx.KeyArea, ctx.KeyAreaPlaintext, ctx.Header.KaekIndex, ctx.Header.EffectiveKeyGeneration(), ctx.Provider)
	if err != nil {
		return nil, fmt.Errorf("nca: encrypt header: %w", err)
	}
	ctx.Header.EncryptedKeyArea = keyAreaRaw

	for i := 0; i < FsHeaderCount; i++ {
		if ctx.FsHeaders[i] == nil {
			continue
		}
		ctx.Header.FsHeaderHash[i] = sha256.Sum256(ctx.FsHeaders[i].MarshalBinary())
	}

	if signer != nil {
		if err := signMainHeader(signer, ctx.Header); err != nil {
			return nil, fmt.Errorf("nca: encrypt header: sign: %w", err)
		}
	}

	out := bytes.NewBuffer(nil)
	out.Grow(FullHeaderSize)

	plainMain := ctx.Header.MarshalBinary()
	cipherMain := make([]byte, HeaderSize)
	if err := ncrypto.XTSEncrypt(cipherMain, plainMain, headerKey, 0, SectorSize); err != nil {
		return nil, fmt.Errorf("nca: encrypt header: main header: %w", err)
	}
	out.Write(cipherMain)

	if ctx.Version == VersionNca0 {
		return out.Bytes(), nil
	}

	for i := 0; i < FsHeaderCount; i++ {
		var plainFs []byte
		if ctx.FsHeaders[i] != nil {
			plainFs = ctx.FsHeaders[i].MarshalBinary()
		} else {
			plainFs = make([]byte, FsHeaderSize)
		}
		cipherFs := make([]byte, FsHeaderSize)
		if err := ncrypto.XTSEncrypt(cipherFs, plainFs, headerKey, fsHeaderSector(ctx.Version, i), SectorSize); err != nil {
			return nil, fmt.Errorf("nca: encrypt header: fs header %d: %w", i, err)
		}
		out.Write(cipherFs)
	}

	return out.Bytes(), nil
}
