package imagepipe

import (
	"github.com/chenbk85/imagepipe/internal/constants"
	"github.com/chenbk85/imagepipe/internal/imgtypes"
)

// Re-exported tunables for callers assembling a pipeline.
const (
	MaxActive         = constants.MaxActive
	AIOQueueDepth     = constants.AIOQueueDepth
	DeliveryRingSize  = constants.DeliveryRingSize
	DefaultSectorSize = constants.DefaultSectorSize
	PageSize          = constants.PageSize

	// AllFrames is the sentinel frame index meaning "to the end of the
	// image, element count not required up front". Declarations, load
	// requests and cache commands all accept it in FinalFrame.
	AllFrames = imgtypes.AllFrames
)
