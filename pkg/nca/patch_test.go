package nca

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHierarchicalSha256PatchRoundTrip(t *testing.T) {
	fixture := buildSha256Archive(t)
	ctx, err := Initialize(fixture.source(), fixture.contentID, fixture.provider, fixture.tickets, NewCryptoArena(0), NoopLogger())
	require.NoError(t, err)

	modified := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	modifiedOffset := int64(fixture.dataRegion.Offset) + 4

	patch, err := GenerateHierarchicalSha256Patch(ctx, 0, modifiedOffset, modified)
	require.NoError(t, err)
	require.Equal(t, fixture.contentID, patch.ContentID)
	require.NotEmpty(t, patch.Entries)

	headerBytes, err := ctx.EncryptHeader(nil)
	require.NoError(t, err)

	patched := append([]byte(nil), fixture.raw...)
	require.NoError(t, ApplyHeaderPatch(headerBytes, patched, 0))
	require.NoError(t, ApplyPatch(ctx, patch, patched, 0))

	reopened := syntheticArchive{raw: patched, provider: fixture.provider, contentID: fixture.contentID}
	ctx2, err := Initialize(reopened.source(), reopened.contentID, reopened.provider, fixture.tickets, NewCryptoArena(0), NoopLogger())
	require.NoError(t, err, "patched archive must still pass FS header hash verification")

	want := append([]byte(nil), fixture.dataPlain...)
	copy(want[4:], modified)

	got := make([]byte, len(want))
	require.NoError(t, ctx2.Sections[0].ReadSection(got, int64(fixture.dataRegion.Offset)))
	require.Equal(t, want, got)
}

func TestApplyPatchRejectsContentMismatch(t *testing.T) {
	fixture := buildSha256Archive(t)
	ctx, err := Initialize(fixture.source(), fixture.contentID, fixture.provider, fixture.tickets, NewCryptoArena(0), NoopLogger())
	require.NoError(t, err)

	patch := &Patch{ContentID: [16]byte{0xFF}, SectionIndex: 0}
	buf := make([]byte, 16)
	require.ErrorIs(t, ApplyPatch(ctx, patch, buf, 0), ErrPatchContentMismatch)
}
