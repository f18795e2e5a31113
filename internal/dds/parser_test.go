package dds

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chenbk85/imagepipe/internal/decoder"
	"github.com/chenbk85/imagepipe/internal/imgtypes"
	"github.com/chenbk85/imagepipe/internal/queue"
)

type fakeEncoder struct {
	def      imgtypes.Definition
	elements map[int][]byte
	levels   map[int]int
	marks    map[int]int
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{elements: map[int][]byte{}, levels: map[int]int{}, marks: map[int]int{}}
}

func (e *fakeEncoder) DefineImage(def imgtypes.Definition) error { e.def = def; return nil }
func (e *fakeEncoder) ResetElement(idx int) error                { e.elements[idx] = nil; return nil }
func (e *fakeEncoder) Encode(idx int, p []byte) (int, error) {
	e.elements[idx] = append(e.elements[idx], p...)
	return len(p), nil
}
func (e *fakeEncoder) MarkLevel(idx int) error   { e.levels[idx]++; return nil }
func (e *fakeEncoder) MarkElement(idx int) error { e.marks[idx]++; return nil }

// buildDDS returns a minimal single-element, single-level, uncompressed
// 2x2 32bpp DDS byte stream: magic + 124-byte header + 16 bytes of pixels.
func buildDDS(pixels []byte) []byte {
	buf := make([]byte, 4+headerSize+len(pixels))
	binary.LittleEndian.PutUint32(buf[0:4], magicLE)

	h := buf[4 : 4+headerSize]
	binary.LittleEndian.PutUint32(h[0:4], 124)
	binary.LittleEndian.PutUint32(h[4:8], ddsdWidth|ddsdHeight)
	binary.LittleEndian.PutUint32(h[8:12], 2)  // height
	binary.LittleEndian.PutUint32(h[12:16], 2) // width
	// pixelformat at offset 72..104
	binary.LittleEndian.PutUint32(h[72:76], 32) // format size
	binary.LittleEndian.PutUint32(h[84:88], 32) // RGBBitCount

	copy(buf[4+headerSize:], pixels)
	return buf
}

func feedChunks(t *testing.T, dec *decoder.Decoder, chunks [][]byte) {
	t.Helper()
	alloc := queue.NewNodeAllocator[decoder.Result]()
	for i, c := range chunks {
		node := alloc.Get()
		node.Item = decoder.Result{
			Buffer:      c,
			DataActual:  uint32(len(c)),
			EndOfStream: i == len(chunks)-1,
		}
		dec.Results().Produce(node)
	}
}

func TestParserSingleChunkUncompressedImage(t *testing.T) {
	pixels := make([]byte, 16)
	for i := range pixels {
		pixels[i] = byte(i + 1)
	}
	data := buildDDS(pixels)

	dec := decoder.New(nil)
	feedChunks(t, dec, [][]byte{data})

	p := NewParser(Config{ImageID: 7, ParseFlags: FlagReadMetadata | FlagReadPixels})
	enc := newFakeEncoder()

	require.Equal(t, ResultComplete, p.Update(dec, enc))
	require.NoError(t, p.Err())

	require.Equal(t, 1, enc.def.ElementCount)
	require.Equal(t, 1, enc.def.LevelCount)
	require.Equal(t, 2, enc.def.Width)
	require.Equal(t, 2, enc.def.Height)
	require.Equal(t, pixels, enc.elements[0])
	require.Equal(t, 1, enc.levels[0])
	require.Equal(t, 1, enc.marks[0])
}

func TestParserSplitAcrossManyChunks(t *testing.T) {
	pixels := make([]byte, 16)
	for i := range pixels {
		pixels[i] = byte(100 + i)
	}
	data := buildDDS(pixels)

	// Split into small, irregular chunks to exercise partial header/level
	// buffering across refills.
	var chunks [][]byte
	for i := 0; i < len(data); i += 7 {
		end := i + 7
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}

	dec := decoder.New(nil)
	feedChunks(t, dec, chunks)

	p := NewParser(Config{ImageID: 9, ParseFlags: FlagReadMetadata | FlagReadPixels})
	enc := newFakeEncoder()

	require.Equal(t, ResultComplete, p.Update(dec, enc))
	require.NoError(t, p.Err())
	require.Equal(t, pixels, enc.elements[0])
}

func TestParserMetadataOnlySkipsPixels(t *testing.T) {
	pixels := make([]byte, 16)
	data := buildDDS(pixels)

	dec := decoder.New(nil)
	feedChunks(t, dec, [][]byte{data})

	p := NewParser(Config{ImageID: 1, ParseFlags: FlagReadMetadata})
	enc := newFakeEncoder()

	require.Equal(t, ResultComplete, p.Update(dec, enc))
	require.Empty(t, enc.elements)
}

func TestParserYieldsWhenStarvedOfInput(t *testing.T) {
	dec := decoder.New(nil)
	p := NewParser(Config{ImageID: 1, ParseFlags: FlagReadMetadata | FlagReadPixels})
	enc := newFakeEncoder()

	require.Equal(t, ResultContinue, p.Update(dec, enc))
}
