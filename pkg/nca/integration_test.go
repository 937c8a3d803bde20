package nca

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitializeAndReadSection(t *testing.T) {
	fixture := buildSha256Archive(t)

	ctx, err := Initialize(fixture.source(), fixture.contentID, fixture.provider, fixture.tickets, NewCryptoArena(0), NoopLogger())
	require.NoError(t, err)
	require.False(t, ctx.HasRightsID())
	require.NotNil(t, ctx.Sections[0])

	got := make([]byte, len(fixture.dataPlain))
	require.NoError(t, ctx.Sections[0].ReadSection(got, int64(fixture.dataRegion.Offset)))
	require.Equal(t, fixture.dataPlain, got)
}

// TestInitializeSkipsBadFsHeaderHash exercises the "skip, don't fail" rule
// for a mismatched FS header hash. Since this fixture only has one section,
// skipping it leaves zero survivors, which is the one case Initialize does
// treat as archive-fatal.
func TestInitializeSkipsBadFsHeaderHash(t *testing.T) {
	fixture := buildSha256Archive(t)
	raw := append([]byte(nil), fixture.raw...)
	raw[HeaderSize] ^= 0xFF // corrupt the first FS header's ciphertext

	fixture.raw = raw
	_, err := Initialize(fixture.source(), fixture.contentID, fixture.provider, fixture.tickets, NewCryptoArena(0), NoopLogger())
	require.ErrorIs(t, err, ErrNoSectionsSurvived)
}

func TestRemoveTitlekeyCryptoRequiresRightsID(t *testing.T) {
	fixture := buildSha256Archive(t)
	ctx, err := Initialize(fixture.source(), fixture.contentID, fixture.provider, fixture.tickets, NewCryptoArena(0), NoopLogger())
	require.NoError(t, err)

	var titlekey [16]byte
	require.ErrorIs(t, ctx.RemoveTitlekeyCrypto(titlekey), ErrNoRightsID)
}
