package nca

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/nscore/ncacore/pkg/crypto"
	"github.com/nscore/ncacore/pkg/keys"
)

// Key-area slot indices. Slot 3 (AesCtrEx) exists for structural parity with
// the real format but, per the CTR-EX dead-code behavior this package
// reproduces verbatim, every CTR-EX stream is actually keyed from slot 2
// (AesCtr) — see SectionContext.initCipherContext and readCtrEx.
const (
	keySlotAesXts1 = 0
	keySlotAesXts2 = 1
	keySlotAesCtr  = 2
	keySlotAesCtrEx = 3

	keyAreaSlotCount   = 4
	keyAreaNca0SlotCount = 2
)

// nca0PlaintextFingerprint is the SHA-256 digest of an NCA0 key area whose
// first two slots were never key-area-encrypted in the first place (some
// very early titles shipped this way). Matching this digest is how
// ncaIsVersion0KeyAreaEncrypted tells a plaintext key area apart from an
// encrypted one without any other signal in the header.
var nca0PlaintextFingerprint = [sha256.Size]byte{
	0x9a, 0xbb, 0xd2, 0x11, 0x86, 0x00, 0x21, 0x90,
	0x7a, 0xdc, 0x5b, 0x43, 0x95, 0xf8, 0x4e, 0xfd,
	0xff, 0x6b, 0x25, 0xef, 0x9f, 0x96, 0x85, 0x28,
	0x18, 0x9e, 0x76, 0xb0, 0x92, 0xf0, 0x6a, 0xcb,
}

// KeyArea holds an NCA's four decrypted 16-byte key-area slots. NCA0
// archives only ever populate the first two (XTS) slots; RemoveTitlekeyCrypto
// is the one operation that ever writes to slot 2 after initial decrypt.
type KeyArea struct {
	Slot      [keyAreaSlotCount][crypto.BlockSize]byte
	SlotCount int
}

// AesXtsKey returns the concatenated 32-byte XTS key pair (slots 0 and 1).
func (k *KeyArea) AesXtsKey() []byte {
	out := make([]byte, 2*crypto.BlockSize)
	copy(out[:crypto.BlockSize], k.Slot[keySlotAesXts1][:])
	copy(out[crypto.BlockSize:], k.Slot[keySlotAesXts2][:])
	return out
}

// AesCtrKey returns the 16-byte CTR key (slot 2).
func (k *KeyArea) AesCtrKey() []byte {
	out := make([]byte, crypto.BlockSize)
	copy(out, k.Slot[keySlotAesCtr][:])
	return out
}

// DecryptKeyArea unwraps the raw on-disk key area. slotCount is 2 for NCA0,
// 4 for NCA2/NCA3 (spec §4.2). The returned bool reports whether the key
// area was found to be the NCA0 unencrypted-key-area form (fingerprint
// match); callers that re-encrypt this key area later must pass it back
// into EncryptKeyArea so the round trip picks the same form.
func DecryptKeyArea(raw [KeyAreaSize]byte, slotCount int, kaekIndex, keyGeneration uint8, provider keys.Provider) (*KeyArea, bool, error) {
	ka := &KeyArea{SlotCount: slotCount}

	if slotCount == keyAreaNca0SlotCount {
		digest := sha256.Sum256(raw[:keyAreaNca0SlotCount*crypto.BlockSize])
		if subtle.ConstantTimeCompare(digest[:], nca0PlaintextFingerprint[:]) == 1 {
			copy(ka.Slot[keySlotAesXts1][:], raw[0:crypto.BlockSize])
			copy(ka.Slot[keySlotAesXts2][:], raw[crypto.BlockSize:2*crypto.BlockSize])
			return ka, true, nil
		}
	}

	kaek, ok := provider.KeyAreaEncryptionKey(kaekIndex, keyGeneration)
	if !ok {
		return nil, false, fmt.Errorf("nca: key area decrypt: %w (kaek index %d gen %d)", ErrMissingKey, kaekIndex, keyGeneration)
	}

	for i := 0; i < slotCount; i++ {
		src := raw[i*crypto.BlockSize : (i+1)*crypto.BlockSize]
		if err := crypto.ECBDecrypt(ka.Slot[i][:], src, kaek); err != nil {
			return nil, false, fmt.Errorf("nca: key area decrypt slot %d: %w", i, err)
		}
	}
	return ka, false, nil
}

// EncryptKeyArea re-wraps a KeyArea back into its on-disk form, the inverse
// of DecryptKeyArea. plaintext selects the NCA0 unencrypted-key-area form;
// it must match how the archive was originally decrypted.
func EncryptKeyArea(ka *KeyArea, plaintext bool, kaekIndex, keyGeneration uint8, provider keys.Provider) ([KeyAreaSize]byte, error) {
	var raw [KeyAreaSize]byte

	if plaintext {
		copy(raw[0:crypto.BlockSize], ka.Slot[keySlotAesXts1][:])
		copy(raw[crypto.BlockSize:2*crypto.BlockSize], ka.Slot[keySlotAesXts2][:])
		return raw, nil
	}

	kaek, ok := provider.KeyAreaEncryptionKey(kaekIndex, keyGeneration)
	if !ok {
		return raw, fmt.Errorf("nca: key area encrypt: %w (kaek index %d gen %d)", ErrMissingKey, kaekIndex, keyGeneration)
	}

	for i := 0; i < ka.SlotCount; i++ {
		dst := raw[i*crypto.BlockSize : (i+1)*crypto.BlockSize]
		if err := crypto.ECBEncrypt(dst, ka.Slot[i][:], kaek); err != nil {
			return raw, fmt.Errorf("nca: key area encrypt slot %d: %w", i, err)
		}
	}
	return raw, nil
}

// RemoveTitlekeyCrypto folds a rights-ID archive's externally-supplied
// titlekey into the key area's AesCtr slot and clears the rights ID, so the
// archive can thereafter be read using only its own key area like any
// title-key-less content (spec Design Notes: this is the "safer" of the two
// documented options, re-deriving any dependent section cipher context here
// rather than leaving it to caller discipline).
func (ctx *ArchiveContext) RemoveTitlekeyCrypto(titlekey [crypto.BlockSize]byte) error {
	if !ctx.HasRightsID() {
		return ErrNoRightsID
	}

	ctx.KeyArea.Slot[keySlotAesCtr] = titlekey
	ctx.Header.RightsID = [RightsIDSize]byte{}
	ctx.titlekeyOverride = nil

	for _, sec := range ctx.Sections {
		if sec == nil {
			continue
		}
		if err := sec.initCipherContext(ctx); err != nil {
			return fmt.Errorf("nca: remove titlekey crypto: re-derive section %d: %w", sec.Index, err)
		}
	}
	return nil
}
