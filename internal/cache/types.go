package cache

import (
	"github.com/chenbk85/imagepipe/internal/imgtypes"
	"github.com/chenbk85/imagepipe/internal/queue"
)

// Declaration registers that frames [FirstFrame, FinalFrame] of an image
// live in FilePath starting at FileOffset, in the given source
// compression/encoding. FinalFrame may be imgtypes.AllFrames.
type Declaration struct {
	ImageID        uint64
	FilePath       string
	FileOffset     int64
	FirstFrame     int
	FinalFrame     int
	SrcCompression imgtypes.Compression
	SrcEncoding    imgtypes.Encoding
	DstCompression imgtypes.Compression
	DstEncoding    imgtypes.Encoding
}

// CommandKind selects one of the four cache commands.
type CommandKind int

const (
	CmdLock CommandKind = iota
	CmdUnlock
	CmdEvict
	CmdDrop
)

// Command is one client request posted on the cache's command queue.
// FinalFrame may be imgtypes.AllFrames for Lock/Evict/Drop, meaning "every
// known frame" (normalised once element_count is known).
type Command struct {
	Kind          CommandKind
	ImageID       uint64
	FirstFrame    int
	FinalFrame    int
	EvictOnUnlock bool // Unlock option: OR FlagEvict in alongside the unlock
	RequestTimeNs int64

	// Results/Errors are the client's own sinks; the cache never produces
	// nodes from the client's allocator, only from its own per-target
	// allocator table (§4.1's allocator-table pattern).
	Results *queue.MPSCUnbounded[Result]
	Errors  *queue.MPSCUnbounded[imgtypes.LoadError]
}

// ResultCode is the outcome carried on a Result.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultNotFound
)

// Result is a Lock completion. It carries full metadata so a client never
// needs a second query to learn the image's shape.
type Result struct {
	ImageID      uint64
	FrameIndex   int
	Code         ResultCode
	Definition   imgtypes.Definition
	Data         []byte
	TimeToLoadNs int64
}

// Behavior selects how an image's frames are treated by the eviction
// policy and by DROP bookkeeping. Reserved for future per-image policy
// overrides; currently every image uses the cache-wide policy.
type Behavior int

const (
	BehaviorDefault Behavior = iota
)
