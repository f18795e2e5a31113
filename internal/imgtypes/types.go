// Package imgtypes holds the small set of domain value types shared across
// the container parsers (dds), the encoder, the loader and the cache, so
// none of those packages needs to import another purely for type names.
package imgtypes

// AllFrames marks a FinalFrame/TotalFrames value as "every frame of the
// image," to be resolved to a concrete count once metadata is known.
const AllFrames = -1

// Compression identifies how pixel data is packed on disk, independent of
// its destination encoding.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionDXT
)

// Encoding identifies the destination memory layout the encoder should
// produce.
type Encoding int

const (
	EncodingIdentity Encoding = iota
	EncodingRGBA8
)

// LevelDesc describes one mip level's static geometry, computed once when
// the container header is parsed.
type LevelDesc struct {
	Index         int
	Width         int
	Height        int
	Slices        int
	BytesPerBlock int
	BytesPerRow   int
	BytesPerSlice int
	DataSize      int64
}

// Definition is the full static metadata for one image, handed from the
// container parser to the encoder via DefineImage and onward to the cache
// via a declaration.
type Definition struct {
	ImageID       uint64
	Format        uint32
	Compression   Compression
	Encoding      Encoding
	Width         int
	Height        int
	SliceCount    int
	ElementCount  int
	LevelCount    int
	BytesPerPixel int
	BytesPerBlock int
	Levels        []LevelDesc
}

// ErrorCode classifies why a load attempt failed, per §4.9.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrBadData
	ErrNoMemory
	ErrNoEncoder
	ErrOSError
	ErrNoParser
	ErrFileAccess
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "none"
	case ErrBadData:
		return "bad_data"
	case ErrNoMemory:
		return "no_memory"
	case ErrNoEncoder:
		return "no_encoder"
	case ErrOSError:
		return "os_error"
	case ErrNoParser:
		return "no_parser"
	case ErrFileAccess:
		return "file_access"
	default:
		return "unknown"
	}
}

// LoadError is the error record the loader posts on a failed or aborted
// load attempt.
type LoadError struct {
	ImageID     uint64
	FilePath    string
	FirstFrame  int
	FinalFrame  int
	SrcCompression Compression
	SrcEncoding    Encoding
	DstCompression Compression
	DstEncoding    Encoding
	Code        ErrorCode
	OSError     error
}
