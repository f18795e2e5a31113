// Package encoder implements the image encoder (C8): an abstraction over
// "take source pixel data in one compression/encoding and write it into an
// image's reserved memory," with a small dispatch table selecting which
// concrete encoder handles a given (src -> dst) pair.
package encoder

import (
	"fmt"

	"github.com/chenbk85/imagepipe/internal/immemory"
	"github.com/chenbk85/imagepipe/internal/imgtypes"
)

// Encoder is the abstract operation set a container parser drives.
type Encoder interface {
	DefineImage(def imgtypes.Definition) error
	ResetElement(elementIndex int) error
	Encode(elementIndex int, p []byte) (int, error)
	MarkLevel(elementIndex int) error
	MarkElement(elementIndex int) error
}

type elementState struct {
	currentLevel    int
	levelStartBytes int
}

// IdentityEncoder passes source bytes straight through to image memory
// without any pixel transcoding: encode writes raw bytes, mark_level and
// mark_element close out level/element bookkeeping in image memory.
type IdentityEncoder struct {
	mem      *immemory.Manager
	imageID  uint64
	elements map[int]*elementState
}

// NewIdentityEncoder binds an identity encoder to one image's reservation
// in mem. DefineImage must be called once before any other method.
func NewIdentityEncoder(mem *immemory.Manager, imageID uint64) *IdentityEncoder {
	return &IdentityEncoder{mem: mem, imageID: imageID, elements: make(map[int]*elementState)}
}

// DefineImage reserves (or validates) the image's backing memory from the
// container parser's metadata.
func (e *IdentityEncoder) DefineImage(def imgtypes.Definition) error {
	elementBytes := 0
	for _, lvl := range def.Levels {
		elementBytes += int(lvl.DataSize)
	}
	return e.mem.ReserveImage(e.imageID, immemory.Def{
		ElementCount: def.ElementCount,
		LevelCount:   def.LevelCount,
		Format:       int(def.Format),
		Width:        def.Width,
		Height:       def.Height,
		ElementBytes: elementBytes,
	})
}

func (e *IdentityEncoder) ResetElement(elementIndex int) error {
	if err := e.mem.ResetElementStorage(e.imageID, elementIndex); err != nil {
		return err
	}
	e.elements[elementIndex] = &elementState{}
	return nil
}

func (e *IdentityEncoder) Encode(elementIndex int, p []byte) (int, error) {
	return e.mem.Write(e.imageID, elementIndex, p)
}

func (e *IdentityEncoder) MarkLevel(elementIndex int) error {
	st, ok := e.elements[elementIndex]
	if !ok {
		return fmt.Errorf("encoder: mark_level on element %d before reset_element", elementIndex)
	}
	used, err := e.mem.ElementBytesUsed(e.imageID, elementIndex)
	if err != nil {
		return err
	}
	levelSize := int64(used - st.levelStartBytes)
	if err := e.mem.MarkLevelEnd(e.imageID, elementIndex, st.currentLevel, levelSize); err != nil {
		return err
	}
	st.currentLevel++
	st.levelStartBytes = used
	return nil
}

func (e *IdentityEncoder) MarkElement(elementIndex int) error {
	delete(e.elements, elementIndex)
	return e.mem.MarkElementEnd(e.imageID, elementIndex)
}

// Registry dispatches (src, dst) compression/encoding pairs to a concrete
// Encoder constructor. Only identity transforms are implemented; any other
// pair reports "no encoder available" so the loader can post a
// NoEncoder load error rather than silently corrupting output.
type Registry struct{}

// NewRegistry creates an encoder dispatch table.
func NewRegistry() *Registry { return &Registry{} }

// Resolve returns a constructor for the given transform pair, or an error
// if no encoder implements it.
func (r *Registry) Resolve(srcCompression imgtypes.Compression, srcEncoding imgtypes.Encoding, dstCompression imgtypes.Compression, dstEncoding imgtypes.Encoding) (func(mem *immemory.Manager, imageID uint64) Encoder, error) {
	if srcCompression == dstCompression && srcEncoding == dstEncoding {
		return func(mem *immemory.Manager, imageID uint64) Encoder {
			return NewIdentityEncoder(mem, imageID)
		}, nil
	}
	return nil, fmt.Errorf("encoder: no encoder available for %v/%v -> %v/%v", srcCompression, srcEncoding, dstCompression, dstEncoding)
}
