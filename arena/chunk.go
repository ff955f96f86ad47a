package arena

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

type blockInfo struct {
	offset int
	size   int
	reason string
}

func (b blockInfo) end() int {
	return b.offset + b.size
}

// Chunk is one fixed-size platform memory allocation, subdivided into blocks.
// Two strategies share the backing range: permanent allocations descend from the
// top of the chunk and are never reclaimed, while temporary allocations are
// placed first-fit in the lower region and reclaimed in batch. The two regions
// grow toward each other and an allocation of either kind fails rather than
// cross the boundary.
//
// Chunks are created by Memory on demand and persist for the life of the arena.
// This is deliberately a coarse, non-defragmenting allocator.
type Chunk struct {
	memory          DeviceMemory
	size            int
	memoryTypeIndex int
	propertyFlags   core1_0.MemoryPropertyFlags

	// blocks is kept sorted by offset. Overlap between entries, or between any
	// entry and [startOfPerm, size), corrupts device memory silently- the
	// allocation paths preserve this by construction and Validate checks it.
	blocks []blockInfo
	// freeOffsets holds offsets of freed blocks awaiting reclamation. Frees only
	// record here; the entries are swept out of blocks on the next temporary
	// allocation against this chunk.
	freeOffsets []int

	startOfPerm int
	permBlocks  []blockInfo

	dirty atomic.Bool
}

func newChunk(device Device, memoryTypeIndex int, propertyFlags core1_0.MemoryPropertyFlags, allocateInfo core1_0.MemoryAllocateInfo) (*Chunk, error) {
	hostVisible := propertyFlags&core1_0.MemoryPropertyHostVisible != 0

	memory, _, err := device.AllocateMemory(allocateInfo, hostVisible)
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to allocate a %d-byte chunk of memory type %d", allocateInfo.AllocationSize, memoryTypeIndex)
	}

	return &Chunk{
		memory:          memory,
		size:            allocateInfo.AllocationSize,
		memoryTypeIndex: memoryTypeIndex,
		propertyFlags:   propertyFlags,
		startOfPerm:     allocateInfo.AllocationSize,
	}, nil
}

// Size returns the capacity of the chunk in bytes.
func (c *Chunk) Size() int {
	return c.size
}

// MemoryTypeIndex returns the platform memory type this chunk was allocated from.
func (c *Chunk) MemoryTypeIndex() int {
	return c.memoryTypeIndex
}

// Allocate carves a block of the requested size out of the chunk, or returns nil
// if the chunk has no room for it. alignment is the platform-required offset
// alignment of the resource; elementAlignment is the per-element stride alignment
// applied to array writes through the block.
func (c *Chunk) Allocate(size int, alignment uint, elementAlignment uint, lifetime Lifetime, reason string) *Block {
	switch lifetime {
	case LifetimePermanent:
		return c.allocatePerm(size, alignment, elementAlignment, reason)
	case LifetimeTemporary:
		return c.allocateNormal(size, alignment, elementAlignment, reason)
	}

	panic(fmt.Sprintf("unknown allocation lifetime: %d", lifetime))
}

func (c *Chunk) allocatePerm(size int, alignment uint, elementAlignment uint, reason string) *Block {
	if size > c.startOfPerm {
		return nil
	}
	offset := AlignDown(c.startOfPerm-size, alignment)

	// The permanent region may not descend into the topmost temporary block
	if len(c.blocks) > 0 && c.blocks[len(c.blocks)-1].end() > offset {
		return nil
	}

	c.startOfPerm = offset
	return c.makeBlock(offset, size, elementAlignment, true, reason, -1)
}

func (c *Chunk) allocateNormal(size int, alignment uint, elementAlignment uint, reason string) *Block {
	c.sweepFreeList()

	p := 0
	for i := range c.blocks {
		if c.blocks[i].offset >= p+size {
			return c.makeBlock(p, size, elementAlignment, false, reason, i)
		}
		p = AlignUp(c.blocks[i].end(), alignment)
	}

	if c.startOfPerm >= p+size {
		return c.makeBlock(p, size, elementAlignment, false, reason, len(c.blocks))
	}

	return nil
}

// sweepFreeList retires block entries whose offsets were pushed by Block.Free.
// Reclamation is batched here rather than done per-free so that a burst of frees
// costs one compaction pass instead of one vector shift each.
func (c *Chunk) sweepFreeList() {
	if len(c.freeOffsets) == 0 {
		return
	}

	kept := c.blocks[:0]
	for _, block := range c.blocks {
		if !slices.Contains(c.freeOffsets, block.offset) {
			kept = append(kept, block)
		}
	}
	c.blocks = kept
	c.freeOffsets = c.freeOffsets[:0]
}

func (c *Chunk) makeBlock(offset, size int, elementAlignment uint, permanent bool, reason string, insertAt int) *Block {
	var mappedData unsafe.Pointer
	if base := c.memory.MappedData(); base != nil {
		mappedData = unsafe.Add(base, offset)
	}

	block := &Block{
		chunk:            c,
		memory:           c.memory,
		offset:           offset,
		size:             size,
		mappedData:       mappedData,
		elementAlignment: elementAlignment,
		coherent:         c.propertyFlags&core1_0.MemoryPropertyHostCoherent != 0,
		permanent:        permanent,
	}

	info := blockInfo{
		offset: offset,
		size:   size,
		reason: reason,
	}

	if insertAt < 0 {
		// Permanent blocks arrive top-down and are logged in arrival order
		c.permBlocks = append(c.permBlocks, info)
	} else {
		c.blocks = slices.Insert(c.blocks, insertAt, info)
	}

	return block
}

// flush pushes the chunk's mapped range to the device if anything was written
// since the last flush. Coherent and unmapped chunks are skipped entirely.
func (c *Chunk) flush() (common.VkResult, error) {
	if c.memory.MappedData() == nil {
		return core1_0.VKSuccess, nil
	}
	if c.propertyFlags&core1_0.MemoryPropertyHostCoherent != 0 {
		return core1_0.VKSuccess, nil
	}
	if !c.dirty.Load() {
		return core1_0.VKSuccess, nil
	}

	res, err := c.memory.Flush()
	if err != nil {
		return res, cerrors.Wrapf(err, "failed to flush chunk of memory type %d", c.memoryTypeIndex)
	}

	c.dirty.Store(false)
	return res, nil
}

// Validate performs internal consistency checks on the chunk's bookkeeping. When
// the allocator is functioning correctly it should not be possible for this
// method to return an error, but it may assist in diagnosing issues.
func (c *Chunk) Validate() error {
	offset := 0
	for blockIndex, block := range c.blocks {
		if block.size < 1 {
			return cerrors.Newf("block at index %d has invalid size %d", blockIndex, block.size)
		}
		if block.offset < offset {
			return cerrors.Newf("block at index %d has offset %d- this collides with the previous block, expected at least %d", blockIndex, block.offset, offset)
		}
		offset = block.end()
	}

	if offset > c.startOfPerm {
		return cerrors.Newf("the temporary region ends at %d, which crosses into the permanent region starting at %d", offset, c.startOfPerm)
	}

	for blockIndex, block := range c.permBlocks {
		if block.offset < c.startOfPerm {
			return cerrors.Newf("permanent block at index %d has offset %d, below the permanent region's low-water mark %d", blockIndex, block.offset, c.startOfPerm)
		}
		if block.end() > c.size {
			return cerrors.Newf("permanent block at index %d ends at %d, past the chunk size %d", blockIndex, block.end(), c.size)
		}
	}

	return nil
}

// AllocationCount returns the number of live block entries, both lifetimes
// combined. Freed-but-unswept blocks still count.
func (c *Chunk) AllocationCount() int {
	return len(c.blocks) + len(c.permBlocks)
}

func (c *Chunk) addStatistics(stats *Statistics) {
	stats.ChunkCount++
	stats.ChunkBytes += c.size
	stats.AllocationCount += c.AllocationCount()
	for _, block := range c.blocks {
		stats.AllocationBytes += block.size
	}
	for _, block := range c.permBlocks {
		stats.AllocationBytes += block.size
	}
}

func (c *Chunk) chunkJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(c.size)
	json.Name("StartOfPerm").Int(c.startOfPerm)
	json.Name("Dirty").Bool(c.dirty.Load())

	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	for _, block := range c.permBlocks {
		obj := arrayState.Object()
		obj.Name("Offset").Int(block.offset)
		obj.Name("Size").Int(block.size)
		obj.Name("Lifetime").String(LifetimePermanent.String())
		obj.Name("Reason").String(block.reason)
		obj.End()
	}
	for _, block := range c.blocks {
		obj := arrayState.Object()
		obj.Name("Offset").Int(block.offset)
		obj.Name("Size").Int(block.size)
		obj.Name("Lifetime").String(LifetimeTemporary.String())
		obj.Name("Reason").String(block.reason)
		obj.End()
	}
}

func (c *Chunk) logUsage(logger *slog.Logger, linearity Linearity, chunkNumber int) {
	if chunkNumber == 0 {
		// First chunk of this type- log details about the memory type itself
		logger.LogAttrs(context.Background(), slog.LevelInfo, "memory type",
			slog.Int("memoryTypeIndex", c.memoryTypeIndex),
			slog.String("linearity", linearity.String()),
			slog.String("properties", c.propertyFlags.String()),
		)
	}

	for _, block := range c.permBlocks {
		logger.LogAttrs(context.Background(), slog.LevelInfo, "PERM block",
			slog.Int("chunk", chunkNumber),
			slog.Int("size", block.size),
			slog.Float64("percent", float64(block.size*100)/float64(c.size)),
			slog.String("reason", block.reason),
		)
	}
	for _, block := range c.blocks {
		logger.LogAttrs(context.Background(), slog.LevelInfo, "TEMP block",
			slog.Int("chunk", chunkNumber),
			slog.Int("size", block.size),
			slog.Float64("percent", float64(block.size*100)/float64(c.size)),
			slog.String("reason", block.reason),
		)
	}
}
