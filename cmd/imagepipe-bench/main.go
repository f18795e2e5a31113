// Command imagepipe-bench drives the pipeline end to end against a single
// DDS file: it declares the file, locks every frame, and reports load
// latency once every result (or error) has arrived.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chenbk85/imagepipe"
	"github.com/chenbk85/imagepipe/internal/cache"
	"github.com/chenbk85/imagepipe/internal/imgtypes"
	"github.com/chenbk85/imagepipe/internal/logging"
	"github.com/chenbk85/imagepipe/internal/queue"
)

func main() {
	var (
		path      = flag.String("path", "", "path to a DDS file to load (a fixture is generated if empty)")
		limitStr  = flag.String("cache-limit", "64M", "cache byte budget (e.g., 64M, 1G); 0 disables eviction")
		verbose   = flag.Bool("v", false, "verbose logging")
		frames    = flag.Int("frames", -1, "number of frames to lock, -1 for all")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	limit, err := parseSize(*limitStr)
	if err != nil {
		log.Fatalf("invalid -cache-limit %q: %v", *limitStr, err)
	}

	filePath := *path
	if filePath == "" {
		filePath, err = writeFixture()
		if err != nil {
			log.Fatalf("generate fixture: %v", err)
		}
		defer os.Remove(filePath)
	}

	params := imagepipe.DefaultParams()
	params.Logger = logger
	params.CacheBytesLimit = uint64(limit)

	pipe, err := imagepipe.New(params)
	if err != nil {
		logger.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	const imageID = 1
	declAlloc := pipe.NewDeclarationAllocator()
	pipe.Declare(declAlloc, cache.Declaration{
		ImageID:    imageID,
		FilePath:   filePath,
		FirstFrame: 0,
		FinalFrame: imgtypes.AllFrames,
	})

	finalFrame := imgtypes.AllFrames
	if *frames > 0 {
		finalFrame = *frames - 1
	}

	results := queue.NewMPSCUnbounded[cache.Result]()
	errs := queue.NewMPSCUnbounded[imgtypes.LoadError]()
	cmdAlloc := pipe.NewCommandAllocator()
	pipe.Submit(cmdAlloc, cache.Command{
		Kind:       cache.CmdLock,
		ImageID:    imageID,
		FirstFrame: 0,
		FinalFrame: finalFrame,
		Results:    results,
		Errors:     errs,
	})

	logger.Info("loading image", "path", filePath, "cache_limit_bytes", limit)
	start := time.Now()

	seen := 0
	want := *frames
	for {
		select {
		case <-ctx.Done():
			_ = pipe.Close()
			os.Exit(1)
		default:
		}

		pipe.Tick()

		drained := false
		for {
			node, ok := results.Consume()
			if !ok {
				break
			}
			drained = true
			seen++
			r := node.Item
			fmt.Printf("frame %d: %s, %d bytes, %.2fms to load\n",
				r.FrameIndex, resultCodeString(r.Code), len(r.Data),
				float64(r.TimeToLoadNs)/1e6)
		}
		for {
			node, ok := errs.Consume()
			if !ok {
				break
			}
			drained = true
			seen++
			e := node.Item
			fmt.Printf("frames %d-%d: error %s: %v\n", e.FirstFrame, e.FinalFrame, e.Code, e.OSError)
		}

		if def, ok := pipe.Metadata(imageID); ok && want <= 0 {
			want = def.ElementCount
		}
		if want > 0 && seen >= want {
			break
		}
		if !drained {
			time.Sleep(time.Millisecond)
		}
	}

	elapsed := time.Since(start)
	logger.Info("load complete", "frames", seen, "elapsed", elapsed.String())
	fmt.Printf("\n%d frame(s) loaded in %s\n", seen, elapsed)

	if err := pipe.Close(); err != nil {
		logger.Error("error closing pipeline", "error", err)
	}
}

func resultCodeString(c cache.ResultCode) string {
	switch c {
	case cache.ResultOK:
		return "ok"
	case cache.ResultNotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// writeFixture writes a tiny 2x2 BGRA DDS file to a temp path, for runs
// where -path isn't given.
func writeFixture() (string, error) {
	const (
		ddsMagicLE    = 0x20534444
		ddsHeaderSize = 124
	)
	width, height := uint32(2), uint32(2)
	pixels := make([]byte, 16)
	buf := make([]byte, 4+ddsHeaderSize+len(pixels))
	binary.LittleEndian.PutUint32(buf[0:4], ddsMagicLE)
	h := buf[4 : 4+ddsHeaderSize]
	binary.LittleEndian.PutUint32(h[0:4], ddsHeaderSize)
	binary.LittleEndian.PutUint32(h[4:8], 0x2|0x4) // DDSD_WIDTH|DDSD_HEIGHT
	binary.LittleEndian.PutUint32(h[8:12], height)
	binary.LittleEndian.PutUint32(h[12:16], width)
	binary.LittleEndian.PutUint32(h[72:76], 32)
	binary.LittleEndian.PutUint32(h[84:88], 32) // RGBBitCount -> B8G8R8A8
	copy(buf[4+ddsHeaderSize:], pixels)

	f, err := os.CreateTemp("", "imagepipe-bench-*.dds")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}
