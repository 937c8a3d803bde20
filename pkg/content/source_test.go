package content

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeGamecardReader struct {
	data []byte
}

func (g *fakeGamecardReader) ReadAt(buf []byte, absoluteOffset int64) error {
	n := copy(buf, g.data[absoluteOffset:])
	if n != len(buf) {
		return bytes.ErrTooLarge
	}
	return nil
}

type fakeLocator struct {
	entries map[string]Entry
}

func (l *fakeLocator) FindEntry(_ GamecardPartitionKind, name string) (Entry, bool) {
	e, ok := l.entries[name]
	return e, ok
}

func TestManagedSourceReadAt(t *testing.T) {
	backing := []byte("0123456789abcdef")
	s := NewManagedSource(bytes.NewReader(backing))

	got := make([]byte, 4)
	require.NoError(t, s.ReadAt(got, 4))
	require.Equal(t, []byte("4567"), got)
}

func TestManagedSourceRejectsShortRead(t *testing.T) {
	backing := []byte("short")
	s := NewManagedSource(bytes.NewReader(backing))

	got := make([]byte, 10)
	require.Error(t, s.ReadAt(got, 0))
}

func TestGameCardSourceResolvesOffsetAndDispatches(t *testing.T) {
	backing := append(bytes.Repeat([]byte{0}, 0x100), []byte("hello-nca-body")...)
	reader := &fakeGamecardReader{data: backing}
	locator := &fakeLocator{entries: map[string]Entry{
		"0102030405060708090a0b0c0d0e0f10.nca": {Offset: 0x100, Size: int64(len("hello-nca-body"))},
	}}

	s, err := NewGameCardSource(reader, locator, 0, "0102030405060708090a0b0c0d0e0f10", false)
	require.NoError(t, err)
	require.Equal(t, OriginGameCard, s.Origin)

	got := make([]byte, 5)
	require.NoError(t, s.ReadAt(got, 0))
	require.Equal(t, []byte("hello"), got)
}

func TestGameCardSourceMissingEntry(t *testing.T) {
	locator := &fakeLocator{entries: map[string]Entry{}}
	_, err := NewGameCardSource(&fakeGamecardReader{}, locator, 0, "deadbeef", false)
	require.Error(t, err)
}
