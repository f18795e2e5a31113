// Package constants holds the tuning constants shared across the pipeline's
// drivers. Centralized here so aio, pio, immemory and cache agree on sizes
// without importing each other.
package constants

import "time"

const (
	// MaxActive is the default maximum number of concurrently in-flight AIO
	// operations. Must be a power of two greater than zero.
	MaxActive = 128

	// AIOQueueDepth is the capacity of the bounded SPSC command queue feeding
	// the AIO driver. Must be a power of two.
	AIOQueueDepth = 256

	// DeliveryRingSize is the capacity of a stream-in's interval delivery
	// ring. Fixed at 4 per the PIO driver's design.
	DeliveryRingSize = 4

	// DefaultSectorSize is used when a VFS handle does not report one.
	DefaultSectorSize = 512

	// PageSize is the VM page granularity image memory and the I/O buffer
	// pool commit/decommit in.
	PageSize = 4096
)

// Default AIO poll timeout when the caller does not specify one.
const DefaultPollTimeout = 10 * time.Millisecond
