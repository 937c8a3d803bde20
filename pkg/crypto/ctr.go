package crypto

import (
	"crypto/cipher"
	"encoding/binary"
)

// UpperIV is the 8-byte "aes_ctr_upper_iv" field carried in an NCA FS
// section header: a 4-byte generation word followed by a 4-byte secure
// value, both already in the big-endian order the counter is assembled in.
type UpperIV [8]byte

// PartialCounter is the 16-byte AES-CTR counter state used for random-access
// section reads: the upper 8 bytes come from the section's UpperIV, the
// lower 8 bytes are the content offset (in AES blocks) in big-endian. Every
// read reassembles this from scratch from the byte offset being read, which
// is what makes section reads truly random-access rather than stream-like.
type PartialCounter [16]byte

// BuildCounter assembles the 16-byte counter for a read at contentOffset
// (an absolute byte offset into the archive).
func BuildCounter(upperIV UpperIV, contentOffset uint64) PartialCounter {
	var c PartialCounter
	copy(c[:8], upperIV[:])
	binary.BigEndian.PutUint64(c[8:], contentOffset>>4)
	return c
}

// BuildCounterEx is BuildCounter with the top 4 bytes of the upper IV (the
// generation word) replaced by a caller-supplied bucket-table generation
// value, as used for AES-CTR-EX reads over a BKTR subsection.
func BuildCounterEx(upperIV UpperIV, ctrVal uint32, contentOffset uint64) PartialCounter {
	patched := upperIV
	binary.BigEndian.PutUint32(patched[:4], ctrVal)
	return BuildCounter(patched, contentOffset)
}

// NewCTRStream creates an AES-128-CTR keystream starting at the given
// counter. The caller resets the counter (via BuildCounter/BuildCounterEx)
// for every read rather than advancing a long-lived stream, since NCA
// section reads can land at any offset.
func NewCTRStream(key []byte, counter PartialCounter) (cipher.Stream, error) {
	block, err := cachedBlock(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, counter[:]), nil
}

// CTRCrypt XORs data in place against the AES-128-CTR keystream seeded at
// counter. CTR is an involution, so this serves both encryption and
// decryption.
func CTRCrypt(key []byte, counter PartialCounter, data []byte) error {
	stream, err := NewCTRStream(key, counter)
	if err != nil {
		return err
	}
	stream.XORKeyStream(data, data)
	return nil
}
