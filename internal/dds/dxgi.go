package dds

// dxgiFormat identifies a recognized pixel layout, independent of whether
// it arrived via a legacy FourCC or a DX10 extension header.
type dxgiFormat uint32

const (
	fmtUnknown         dxgiFormat = 0
	fmtR8G8B8A8UNorm   dxgiFormat = 28
	fmtB8G8R8A8UNorm   dxgiFormat = 87
	fmtR8UNorm         dxgiFormat = 61
	fmtBC1UNorm        dxgiFormat = 71
	fmtBC2UNorm        dxgiFormat = 74
	fmtBC3UNorm        dxgiFormat = 77
	fmtBC4UNorm        dxgiFormat = 80
	fmtBC5UNorm        dxgiFormat = 83
	fmtBC7UNorm        dxgiFormat = 98
)

// formatInfo captures the layout facts needed to compute level geometry.
type formatInfo struct {
	blockCompressed bool
	blockSize       int // bytes per 4x4 block, when block-compressed
	bitsPerPixel    int // when not block-compressed
}

var formatTable = map[dxgiFormat]formatInfo{
	fmtR8G8B8A8UNorm: {bitsPerPixel: 32},
	fmtB8G8R8A8UNorm: {bitsPerPixel: 32},
	fmtR8UNorm:       {bitsPerPixel: 8},
	fmtBC1UNorm:      {blockCompressed: true, blockSize: 8},
	fmtBC2UNorm:      {blockCompressed: true, blockSize: 16},
	fmtBC3UNorm:      {blockCompressed: true, blockSize: 16},
	fmtBC4UNorm:      {blockCompressed: true, blockSize: 8},
	fmtBC5UNorm:      {blockCompressed: true, blockSize: 16},
	fmtBC7UNorm:      {blockCompressed: true, blockSize: 16},
}

// resolveFormat determines the DXGI format from the DX10 header when
// present, else falls back to the handful of legacy FourCCs most DDS
// encoders still emit.
func resolveFormat(h Header, dx10 *HeaderDX10) dxgiFormat {
	if dx10 != nil {
		return dxgiFormat(dx10.DXGIFormat)
	}
	if h.Format.Flags&ddpfFourCC == 0 {
		if h.Format.RGBBitCount == 32 {
			return fmtB8G8R8A8UNorm
		}
		return fmtUnknown
	}
	switch h.Format.FourCC {
	case fourCC('D', 'X', 'T', '1'):
		return fmtBC1UNorm
	case fourCC('D', 'X', 'T', '3'):
		return fmtBC2UNorm
	case fourCC('D', 'X', 'T', '5'):
		return fmtBC3UNorm
	case fourCC('A', 'T', 'I', '1'):
		return fmtBC4UNorm
	case fourCC('A', 'T', 'I', '2'):
		return fmtBC5UNorm
	default:
		return fmtUnknown
	}
}

func levelDimension(base uint32, level int) uint32 {
	d := base >> uint(level)
	if d == 0 {
		d = 1
	}
	return d
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// levelLayout computes the byte geometry of one mip level for format f.
func levelLayout(f dxgiFormat, width, height uint32) (bytesPerRow, bytesPerSlice int) {
	info, ok := formatTable[f]
	if !ok {
		return 0, 0
	}
	if info.blockCompressed {
		blocksWide := maxInt(1, int((width+3)/4))
		blocksHigh := maxInt(1, int((height+3)/4))
		bytesPerRow = blocksWide * info.blockSize
		bytesPerSlice = bytesPerRow * blocksHigh
		return
	}
	bytesPerRow = int(width) * info.bitsPerPixel / 8
	bytesPerSlice = bytesPerRow * int(height)
	return
}

func arrayCount(h Header, dx10 *HeaderDX10) int {
	n := 1
	if dx10 != nil && dx10.ArraySize > 0 {
		n = int(dx10.ArraySize)
	}
	const capsCubemap = 0x200
	if h.Caps2&capsCubemap != 0 {
		n *= 6
	}
	return n
}

func levelCount(h Header) int {
	if h.Flags&0x20000 != 0 && h.MipMapCount > 0 { // DDSD_MIPMAPCOUNT
		return int(h.MipMapCount)
	}
	return 1
}
