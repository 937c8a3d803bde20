package keys

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nscore/ncacore/pkg/crypto"
)

func writeKeysFile(t *testing.T, lines []string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.txt")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func hexKey(b byte) string {
	return hex.EncodeToString(repeat(b))
}

func repeat(b byte) []byte {
	out := make([]byte, crypto.BlockSize)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestFileProviderLoadAndDerive(t *testing.T) {
	path := writeKeysFile(t, []string{
		"# comment",
		"",
		"header_key = " + hex.EncodeToString(repeat(0x01)) + hex.EncodeToString(repeat(0x02)),
		"aes_kek_generation_source = " + hexKey(0x10),
		"aes_key_generation_source = " + hexKey(0x20),
		"titlekek_source = " + hexKey(0x30),
		"master_key_00 = " + hexKey(0x40),
		"key_area_key_application_source = " + hexKey(0x50),
	})

	p := NewFileProvider()
	require.NoError(t, p.Load(path))
	require.NoError(t, p.Derive())

	hk, ok := p.HeaderKey()
	require.True(t, ok)
	require.Len(t, hk, 32)

	kek, ok := p.TitleKek(0)
	require.True(t, ok)
	require.Len(t, kek, crypto.BlockSize)

	kaek, ok := p.KeyAreaEncryptionKey(0, 0)
	require.True(t, ok)
	require.Len(t, kaek, crypto.BlockSize)

	_, ok = p.KeyAreaEncryptionKey(0, 5)
	require.False(t, ok)
}

func TestMemoryTicketStoreRoundTrip(t *testing.T) {
	path := writeKeysFile(t, []string{
		"aes_kek_generation_source = " + hexKey(0x10),
		"aes_key_generation_source = " + hexKey(0x20),
		"titlekek_source = " + hexKey(0x30),
		"master_key_00 = " + hexKey(0x40),
	})
	p := NewFileProvider()
	require.NoError(t, p.Load(path))
	require.NoError(t, p.Derive())

	kek, ok := p.TitleKek(0)
	require.True(t, ok)

	titlekey := repeat(0x99)
	wrapped := make([]byte, crypto.BlockSize)
	require.NoError(t, crypto.ECBEncrypt(wrapped, titlekey, kek))

	raw := make([]byte, ticketEncryptedTitleKeyOffset+ticketEncryptedTitleKeySize)
	copy(raw[ticketEncryptedTitleKeyOffset:], wrapped)

	store := NewMemoryTicketStore(p)
	var rightsID [16]byte
	rightsID[0] = 1
	require.NoError(t, store.AddTicketData(rightsID, 0, raw))

	got, ok := store.RetrieveTitleKey(rightsID, false)
	require.True(t, ok)
	require.Equal(t, titlekey, got[:])
}
