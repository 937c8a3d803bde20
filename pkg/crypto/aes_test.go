package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestECBRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, BlockSize)
	plain := bytes.Repeat([]byte{0xAB}, BlockSize*4)

	cipher := make([]byte, len(plain))
	require.NoError(t, ECBEncrypt(cipher, plain, key))
	require.NotEqual(t, plain, cipher)

	decrypted := make([]byte, len(cipher))
	require.NoError(t, ECBDecrypt(decrypted, cipher, key))
	require.Equal(t, plain, decrypted)
}

func TestECBRejectsUnalignedData(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, BlockSize)
	dst := make([]byte, 20)
	err := ECBEncrypt(dst, make([]byte, 20), key)
	require.Error(t, err)
}

func TestCachedBlockIsReusedAcrossCalls(t *testing.T) {
	key := bytes.Repeat([]byte{0x7}, BlockSize)
	b1, err := cachedBlock(key)
	require.NoError(t, err)
	b2, err := cachedBlock(key)
	require.NoError(t, err)
	require.Same(t, b1, b2)
}
