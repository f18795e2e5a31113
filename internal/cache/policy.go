package cache

// victim identifies one frame the policy has chosen to evict.
type victim struct {
	ImageID    uint64
	FrameIndex int
}

// EvictionPolicy selects frames to evict when bytes_used exceeds
// bytes_limit, per §4.10. Consulted only immediately after a load
// completion raises bytes_used past the limit.
type EvictionPolicy interface {
	// SelectVictim returns one frame to evict given the current entry
	// table, or ok=false if no eligible (unlocked) frame exists.
	SelectVictim(entries map[uint64]*cacheEntry) (v victim, ok bool)
}

// Manual never selects a victim; eviction is entirely client-driven via
// explicit EVICT/DROP commands.
type Manual struct{}

func (Manual) SelectVictim(map[uint64]*cacheEntry) (victim, bool) { return victim{}, false }

// ImageLRUFrameMRU selects the least recently requested image, then within
// it the most recently used frame, skipping any frame still locked or
// already pending eviction.
type ImageLRUFrameMRU struct{}

func (ImageLRUFrameMRU) SelectVictim(entries map[uint64]*cacheEntry) (victim, bool) {
	var target *cacheEntry
	for _, e := range entries {
		if !e.hasEvictableFrame() {
			continue
		}
		if target == nil || e.lastRequestedNs < target.lastRequestedNs {
			target = e
		}
	}
	if target == nil {
		return victim{}, false
	}

	var bestFrame int
	var bestUsed int64
	found := false
	for frame, fr := range target.frames {
		if fr.lockCount > 0 || fr.evict {
			continue
		}
		if !found || fr.lastUsedNs > bestUsed {
			bestFrame = frame
			bestUsed = fr.lastUsedNs
			found = true
		}
	}
	if !found {
		return victim{}, false
	}
	return victim{ImageID: target.imageID, FrameIndex: bestFrame}, true
}
