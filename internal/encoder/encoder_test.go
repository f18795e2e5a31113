package encoder

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chenbk85/imagepipe/internal/immemory"
	"github.com/chenbk85/imagepipe/internal/imgtypes"
)

func testDef() imgtypes.Definition {
	return imgtypes.Definition{
		ImageID:      1,
		ElementCount: 2,
		LevelCount:   2,
		Width:        8,
		Height:       8,
		Levels: []imgtypes.LevelDesc{
			{Index: 0, DataSize: 64},
			{Index: 1, DataSize: 16},
		},
	}
}

func TestIdentityEncoderRoutesEncodeToImageMemory(t *testing.T) {
	mem := immemory.NewManager(nil)
	enc := NewIdentityEncoder(mem, 1)
	def := testDef()

	require.NoError(t, enc.DefineImage(def))
	require.NoError(t, enc.ResetElement(0))

	level0 := make([]byte, 64)
	for i := range level0 {
		level0[i] = byte(i)
	}
	n, err := enc.Encode(0, level0)
	require.NoError(t, err)
	require.Equal(t, 64, n)
	require.NoError(t, enc.MarkLevel(0))

	level1 := make([]byte, 16)
	_, err = enc.Encode(0, level1)
	require.NoError(t, err)
	require.NoError(t, enc.MarkLevel(0))

	require.NoError(t, enc.MarkElement(0))

	node, ok := mem.Locations().Consume()
	require.True(t, ok)
	require.Equal(t, 0, node.Item.Element)
	require.Equal(t, os.Getpagesize(), node.Item.BytesCommitted, "commit is page-granular: 80 used bytes round up to one page")
}

func TestRegistryResolvesIdentityOnly(t *testing.T) {
	r := NewRegistry()

	ctor, err := r.Resolve(imgtypes.CompressionNone, imgtypes.EncodingIdentity, imgtypes.CompressionNone, imgtypes.EncodingIdentity)
	require.NoError(t, err)
	require.NotNil(t, ctor)

	_, err = r.Resolve(imgtypes.CompressionDXT, imgtypes.EncodingIdentity, imgtypes.CompressionNone, imgtypes.EncodingRGBA8)
	require.Error(t, err)
}

func TestMarkLevelBeforeResetElementErrors(t *testing.T) {
	mem := immemory.NewManager(nil)
	enc := NewIdentityEncoder(mem, 1)
	require.NoError(t, enc.DefineImage(testDef()))

	err := enc.MarkLevel(0)
	require.Error(t, err)
}
