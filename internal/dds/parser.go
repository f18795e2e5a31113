package dds

import (
	"fmt"

	"github.com/chenbk85/imagepipe/internal/decoder"
	"github.com/chenbk85/imagepipe/internal/imgtypes"
)

// State identifies where a streaming parser is in the state machine.
type State int

const (
	StateSeekOffset State = iota
	StateFindMagic
	StateBufferHeader
	StateBufferHeaderDX10
	StateReceiveNextElement
	StateReceiveNextLevel
	StateEncodeLevelData
	StateComplete
	StateError
)

// Result is the per-update outcome.
type Result int

const (
	ResultContinue Result = iota
	ResultComplete
	ResultError
)

// ParseFlag selects what a Config run should extract.
type ParseFlag uint32

const (
	FlagReadMetadata ParseFlag = 1 << 0
	FlagReadPixels   ParseFlag = 1 << 1
)

// Config is the input configuration for one streaming parse.
type Config struct {
	ImageID     uint64
	ParseFlags  ParseFlag
	StartOffset int64 // file offset to seek to before parsing begins
	FirstFrame  int
	FinalFrame  int // exclusive; 0 means "to the end"
}

// Encoder is the narrow surface the parser drives as it decodes pixel
// data; internal/encoder's IdentityEncoder satisfies it structurally.
type Encoder interface {
	DefineImage(def imgtypes.Definition) error
	ResetElement(elementIndex int) error
	Encode(elementIndex int, p []byte) (int, error)
	MarkLevel(elementIndex int) error
	MarkElement(elementIndex int) error
}

// Parser is one streaming DDS parse in progress.
type Parser struct {
	state State
	err   error
	cfg   Config

	elementIndex int
	elementFinal int
	levelIndex   int
	levelCount   int
	levelInfo    []imgtypes.LevelDesc

	levelWrite int64
	levelSize  int64

	ddshBuf    [headerSize]byte
	ddshWrite  int
	header     Header
	dx10Buf    [headerDX10Size]byte
	dx10Write  int
	dx10       *HeaderDX10
	magicBuf   uint32

	def *imgtypes.Definition
}

// NewParser creates a parser ready to run against dec, driving enc.
func NewParser(cfg Config) *Parser {
	state := StateSeekOffset
	if cfg.StartOffset == 0 {
		state = StateFindMagic
	}
	return &Parser{cfg: cfg, state: state}
}

func (p *Parser) Err() error { return p.err }

func (p *Parser) fail(err error) State {
	p.err = err
	return StateError
}

func (p *Parser) setupImageInfo(enc Encoder) State {
	if p.cfg.ParseFlags&FlagReadMetadata != 0 {
		format := resolveFormat(p.header, p.dx10)
		info, known := formatTable[format]
		if !known {
			return p.fail(fmt.Errorf("dds: unrecognized pixel format"))
		}

		baseW, baseH := uint32(0), uint32(0)
		if p.header.Flags&ddsdWidth != 0 {
			baseW = p.header.Width
		}
		if p.header.Flags&ddsdHeight != 0 {
			baseH = p.header.Height
		}

		nItems := arrayCount(p.header, p.dx10)
		nLevels := levelCount(p.header)

		levels := make([]imgtypes.LevelDesc, nLevels)
		for i := 0; i < nLevels; i++ {
			lw := levelDimension(baseW, i)
			lh := levelDimension(baseH, i)
			bytesPerRow, bytesPerSlice := levelLayout(format, lw, lh)
			bpe := info.blockSize
			if !info.blockCompressed {
				bpe = info.bitsPerPixel / 8
			}
			levels[i] = imgtypes.LevelDesc{
				Index:         i,
				Width:         int(lw),
				Height:        int(lh),
				Slices:        1,
				BytesPerBlock: bpe,
				BytesPerRow:   bytesPerRow,
				BytesPerSlice: bytesPerSlice,
				DataSize:      int64(bytesPerSlice),
			}
		}

		def := imgtypes.Definition{
			ImageID:      p.cfg.ImageID,
			Format:       uint32(format),
			Compression:  imgtypes.CompressionNone,
			Width:        int(baseW),
			Height:       int(baseH),
			SliceCount:   1,
			ElementCount: nItems,
			LevelCount:   nLevels,
			Levels:       levels,
		}
		if info.blockCompressed {
			def.Compression = imgtypes.CompressionDXT
			def.BytesPerBlock = info.blockSize
		} else {
			def.BytesPerPixel = info.bitsPerPixel / 8
		}
		p.def = &def
		if err := enc.DefineImage(def); err != nil {
			return p.fail(err)
		}
	}
	if p.def == nil {
		return p.fail(fmt.Errorf("dds: metadata not available and READ_METADATA was not requested"))
	}

	finalFrame := p.cfg.FinalFrame
	if finalFrame == 0 || finalFrame > p.def.ElementCount {
		finalFrame = p.def.ElementCount
	}
	p.elementIndex = p.cfg.FirstFrame
	p.elementFinal = finalFrame
	p.levelIndex = 0
	p.levelCount = p.def.LevelCount
	p.levelInfo = p.def.Levels

	if p.cfg.ParseFlags&FlagReadPixels == 0 {
		return StateComplete
	}
	return StateReceiveNextElement
}

func (p *Parser) seekOffset(dec *decoder.Decoder) State {
	fileOffset, _ := dec.Pos()
	if fileOffset > p.cfg.StartOffset {
		return p.fail(fmt.Errorf("dds: stream position %d is past start offset %d", fileOffset, p.cfg.StartOffset))
	}
	if fileOffset < p.cfg.StartOffset {
		skip := p.cfg.StartOffset - fileOffset
		if avail := int64(dec.FinalByte - dec.ReadCursor); skip > avail {
			skip = avail
		}
		dec.ReadCursor += int(skip)
		return StateSeekOffset
	}
	return StateFindMagic
}

func (p *Parser) findMagic(dec *decoder.Decoder) State {
	for dec.ReadCursor != dec.FinalByte {
		b := dec.CurBuf[dec.ReadCursor]
		dec.ReadCursor++
		p.magicBuf = (p.magicBuf >> 8) | (uint32(b) << 24)
		if p.magicBuf == magicLE {
			return StateBufferHeader
		}
	}
	return StateFindMagic
}

func (p *Parser) bufferHeader(dec *decoder.Decoder, enc Encoder) State {
	available := dec.FinalByte - dec.ReadCursor
	if p.ddshWrite+available >= headerSize {
		toCopy := headerSize - p.ddshWrite
		copy(p.ddshBuf[p.ddshWrite:], dec.CurBuf[dec.ReadCursor:dec.ReadCursor+toCopy])
		p.ddshWrite += toCopy
		dec.ReadCursor += toCopy
		p.header = unmarshalHeader(p.ddshBuf[:])
		if hasDX10(p.header) {
			return StateBufferHeaderDX10
		}
		p.dx10 = nil
		return p.setupImageInfo(enc)
	}
	copy(p.ddshBuf[p.ddshWrite:], dec.CurBuf[dec.ReadCursor:dec.ReadCursor+available])
	p.ddshWrite += available
	dec.ReadCursor += available
	return StateBufferHeader
}

func (p *Parser) bufferHeaderDX10(dec *decoder.Decoder, enc Encoder) State {
	available := dec.FinalByte - dec.ReadCursor
	if p.dx10Write+available >= headerDX10Size {
		toCopy := headerDX10Size - p.dx10Write
		copy(p.dx10Buf[p.dx10Write:], dec.CurBuf[dec.ReadCursor:dec.ReadCursor+toCopy])
		p.dx10Write += toCopy
		dec.ReadCursor += toCopy
		h := unmarshalHeaderDX10(p.dx10Buf[:])
		p.dx10 = &h
		return p.setupImageInfo(enc)
	}
	copy(p.dx10Buf[p.dx10Write:], dec.CurBuf[dec.ReadCursor:dec.ReadCursor+available])
	p.dx10Write += available
	dec.ReadCursor += available
	return StateBufferHeaderDX10
}

func (p *Parser) receiveNextElement(enc Encoder) State {
	if p.elementIndex == p.elementFinal {
		return StateComplete
	}
	p.levelIndex = 0
	if err := enc.ResetElement(p.elementIndex); err != nil {
		return p.fail(err)
	}
	return StateReceiveNextLevel
}

func (p *Parser) receiveNextLevel(enc Encoder) State {
	if p.levelIndex == p.levelCount {
		if err := enc.MarkElement(p.elementIndex); err != nil {
			return p.fail(err)
		}
		p.elementIndex++
		return StateReceiveNextElement
	}
	p.levelSize = p.levelInfo[p.levelIndex].DataSize
	p.levelWrite = 0
	return StateEncodeLevelData
}

func (p *Parser) encodeLevel(dec *decoder.Decoder, enc Encoder) State {
	available := int64(dec.FinalByte - dec.ReadCursor)
	if p.levelWrite+available >= p.levelSize {
		toCopy := p.levelSize - p.levelWrite
		if _, err := enc.Encode(p.elementIndex, dec.CurBuf[dec.ReadCursor:dec.ReadCursor+int(toCopy)]); err != nil {
			return p.fail(err)
		}
		if err := enc.MarkLevel(p.elementIndex); err != nil {
			return p.fail(err)
		}
		dec.ReadCursor += int(toCopy)
		p.levelWrite += toCopy
		p.levelIndex++
		return StateReceiveNextLevel
	}
	if _, err := enc.Encode(p.elementIndex, dec.CurBuf[dec.ReadCursor:dec.FinalByte]); err != nil {
		return p.fail(err)
	}
	p.levelWrite += available
	dec.ReadCursor = dec.FinalByte
	return StateEncodeLevelData
}

// Update drives the parser as far as the currently available decoded data
// permits, pulling from dec and pushing pixel data to enc.
func (p *Parser) Update(dec *decoder.Decoder, enc Encoder) Result {
	for !dec.AtEnd() {
		switch dec.Refill() {
		case decoder.StatusStart:
		case decoder.StatusYield:
			return ResultContinue
		case decoder.StatusError:
			p.err = dec.LastError()
			p.state = StateError
			return ResultError
		}

		for dec.ReadCursor != dec.FinalByte {
			switch p.state {
			case StateSeekOffset:
				p.state = p.seekOffset(dec)
			case StateFindMagic:
				p.state = p.findMagic(dec)
			case StateBufferHeader:
				p.state = p.bufferHeader(dec, enc)
			case StateBufferHeaderDX10:
				p.state = p.bufferHeaderDX10(dec, enc)
			case StateReceiveNextElement:
				p.state = p.receiveNextElement(enc)
			case StateReceiveNextLevel:
				p.state = p.receiveNextLevel(enc)
			case StateEncodeLevelData:
				p.state = p.encodeLevel(dec, enc)
			case StateComplete:
				return ResultComplete
			case StateError:
				return ResultError
			}
		}
	}

	for {
		switch p.state {
		case StateReceiveNextElement:
			p.state = p.receiveNextElement(enc)
		case StateReceiveNextLevel:
			p.state = p.receiveNextLevel(enc)
		case StateComplete:
			return ResultComplete
		default:
			return ResultError
		}
	}
}
