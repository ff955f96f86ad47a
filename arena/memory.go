package arena

import (
	"context"
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/siege/internal/utils"
	"golang.org/x/exp/slog"
)

// DefaultChunkSize is the production chunk size. A full-resolution shading
// target has to fit in one chunk, which bounds it from below; cards with small
// heaps bound it from above.
const DefaultChunkSize int = 32 * 1024 * 1024

// Config carries the arena's tunables. Tests use a small ChunkSize so invariants
// can be exercised without allocating real gigabytes.
type Config struct {
	// ChunkSize is the size in bytes of every chunk the arena creates. Defaults
	// to DefaultChunkSize when zero.
	ChunkSize int
	// UseMutex engages locking around arena operations. The render loop drives
	// the arena from one thread, so this defaults to off.
	UseMutex bool
}

// Memory is the arena manager. It owns, per linearity class, a mapping from
// platform memory-type index to an append-only list of chunks, creates new
// chunks on demand, routes allocation requests to the first chunk with room, and
// performs the once-per-frame dirty flush.
type Memory struct {
	logger *slog.Logger
	device Device

	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
	deviceProperties *core1_0.PhysicalDeviceProperties

	chunkSize int
	mutex     utils.OptionalMutex

	// Indexed by Linearity- linear and non-linear resources never share a chunk
	chunks [2]*swiss.Map[int, []*Chunk]
	// Oversized permanent allocations that bypass chunking. Never freed; tracked
	// for diagnostics only.
	solo []*Chunk
}

// New creates an arena manager for one device. The memory and device property
// structures come from the platform's physical-device query at renderer startup.
func New(
	logger *slog.Logger,
	device Device,
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties,
	deviceProperties *core1_0.PhysicalDeviceProperties,
	config Config,
) (*Memory, error) {
	if logger == nil {
		panic("arena.New called with a nil logger")
	}
	if memoryProperties == nil || len(memoryProperties.MemoryTypes) == 0 {
		return nil, cerrors.New("arena.New requires the physical device's memory properties")
	}
	if deviceProperties == nil || deviceProperties.Limits == nil {
		return nil, cerrors.New("arena.New requires the physical device's properties and limits")
	}

	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.ChunkSize < 1 {
		return nil, cerrors.Newf("invalid chunk size %d", config.ChunkSize)
	}

	logger.LogAttrs(context.Background(), slog.LevelInfo, "creating memory arena",
		slog.Int("chunkSize", config.ChunkSize),
		slog.Int("memoryTypes", len(memoryProperties.MemoryTypes)),
		slog.Int("maxMemoryAllocationCount", deviceProperties.Limits.MaxMemoryAllocationCount),
	)

	memory := &Memory{
		logger:           logger,
		device:           device,
		memoryProperties: memoryProperties,
		deviceProperties: deviceProperties,
		chunkSize:        config.ChunkSize,
		mutex:            utils.OptionalMutex{UseMutex: config.UseMutex},
	}
	for linearity := range memory.chunks {
		memory.chunks[linearity] = swiss.NewMap[int, []*Chunk](8)
	}

	return memory, nil
}

// ChunkSize returns the size in bytes of every chunk this arena creates. A
// single allocation larger than this cannot be chunked and must go through
// AllocateSoloDeviceMemory.
func (m *Memory) ChunkSize() int {
	return m.chunkSize
}

// AllocateDeviceMemory satisfies a backing-memory request from the chunk pools.
// It resolves a platform memory type compatible with memoryRequirements and
// requiredProperties (preferring an exact property match), finds or creates a
// chunk pool for the (linearity, type) pair, and first-fit scans existing chunks
// before growing the pool by exactly one chunk and retrying once.
//
// bufferUsage feeds the element-alignment stride computed for the block; pass 0
// for resources that are never array-written.
//
// A request larger than ChunkSize is an architectural misconfiguration at the
// call site and panics rather than returning an error.
func (m *Memory) AllocateDeviceMemory(
	memoryRequirements *core1_0.MemoryRequirements,
	requiredProperties core1_0.MemoryPropertyFlags,
	bufferUsage core1_0.BufferUsageFlags,
	linearity Linearity,
	lifetime Lifetime,
	reason string,
) (*Block, error) {
	m.logger.Debug("Memory::AllocateDeviceMemory")

	if memoryRequirements.Size > m.chunkSize {
		panic(fmt.Sprintf("requested allocation is larger than the chunk size: %d > %d (%s)", memoryRequirements.Size, m.chunkSize, reason))
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	memoryTypeIndex, ok := m.findMemoryTypeIndex(memoryRequirements.MemoryTypeBits, requiredProperties)
	if !ok {
		return nil, cerrors.Wrapf(OutOfGraphicsMemory, "no memory type matches type bits 0x%x with properties %s", memoryRequirements.MemoryTypeBits, requiredProperties)
	}

	elementAlignment := m.ElementAlignment(bufferUsage)
	alignment := uint(memoryRequirements.Alignment)
	if alignment < 1 {
		alignment = 1
	}

	pool := m.chunks[linearity]
	chunkList, ok := pool.Get(memoryTypeIndex)
	if !ok {
		chunk, err := m.newPoolChunk(memoryTypeIndex)
		if err != nil {
			return nil, err
		}
		chunkList = []*Chunk{chunk}
		pool.Put(memoryTypeIndex, chunkList)
	}

	for _, chunk := range chunkList {
		block := chunk.Allocate(memoryRequirements.Size, alignment, elementAlignment, lifetime, reason)
		if block != nil {
			return block, nil
		}
	}

	// Every chunk is full- grow the pool by one chunk and retry once
	chunk, err := m.newPoolChunk(memoryTypeIndex)
	if err != nil {
		return nil, err
	}
	pool.Put(memoryTypeIndex, append(chunkList, chunk))

	block := chunk.Allocate(memoryRequirements.Size, alignment, elementAlignment, lifetime, reason)
	if block == nil {
		return nil, cerrors.Wrapf(OutOfGraphicsMemory, "a fresh chunk could not satisfy %d bytes aligned to %d (%s)", memoryRequirements.Size, alignment, reason)
	}
	return block, nil
}

// SoloOptions carries the optional dedicated-allocation hookup for solo
// allocations. When a buffer or image is provided, the platform allocation
// carries khr_dedicated_allocation metadata tying the memory to that resource.
type SoloOptions struct {
	DedicatedBuffer core1_0.Buffer
	DedicatedImage  core1_0.Image
}

// AllocateSoloDeviceMemory bypasses the chunk pools for oversized permanent
// allocations such as full-resolution render targets. Solo allocations are
// tracked for diagnostics but never freed- this is a documented limitation,
// acceptable because solo consumers live as long as the renderer.
func (m *Memory) AllocateSoloDeviceMemory(
	memoryRequirements *core1_0.MemoryRequirements,
	requiredProperties core1_0.MemoryPropertyFlags,
	reason string,
	options SoloOptions,
) (*Block, error) {
	m.logger.Debug("Memory::AllocateSoloDeviceMemory")

	if options.DedicatedBuffer != nil && options.DedicatedImage != nil {
		panic("called Memory::AllocateSoloDeviceMemory with both DedicatedBuffer and DedicatedImage - only one is permitted")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	memoryTypeIndex, ok := m.findMemoryTypeIndex(memoryRequirements.MemoryTypeBits, requiredProperties)
	if !ok {
		return nil, cerrors.Wrapf(OutOfGraphicsMemory, "no memory type matches type bits 0x%x with properties %s", memoryRequirements.MemoryTypeBits, requiredProperties)
	}

	allocateInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  memoryRequirements.Size,
		MemoryTypeIndex: memoryTypeIndex,
	}
	if options.DedicatedBuffer != nil || options.DedicatedImage != nil {
		dedicatedAllocInfo := khr_dedicated_allocation.MemoryDedicatedAllocateInfo{
			Buffer: options.DedicatedBuffer,
			Image:  options.DedicatedImage,
		}
		dedicatedAllocInfo.Next = allocateInfo.Next
		allocateInfo.Next = dedicatedAllocInfo
	}

	chunk, err := newChunk(m.device, memoryTypeIndex, m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags, allocateInfo)
	if err != nil {
		return nil, cerrors.Wrapf(OutOfGraphicsMemory, "solo allocation of %d bytes (%s): %v", memoryRequirements.Size, reason, err)
	}

	alignment := uint(memoryRequirements.Alignment)
	if alignment < 1 {
		alignment = 1
	}
	block := chunk.Allocate(memoryRequirements.Size, alignment, 1, LifetimePermanent, reason)
	if block == nil {
		panic(fmt.Sprintf("a solo chunk of %d bytes could not fit its own allocation (%s)", memoryRequirements.Size, reason))
	}

	m.solo = append(m.solo, chunk)
	return block, nil
}

// ElementAlignment computes the per-element stride alignment a buffer of the
// given usage requires: the maximum of the device's minimum offset alignments
// across every descriptor-visible usage present. Returns 1 when no special
// alignment applies.
func (m *Memory) ElementAlignment(usage core1_0.BufferUsageFlags) uint {
	limits := m.deviceProperties.Limits
	alignment := 1

	if usage&core1_0.BufferUsageUniformBuffer != 0 && limits.MinUniformBufferOffsetAlignment > alignment {
		alignment = limits.MinUniformBufferOffsetAlignment
	}
	if usage&core1_0.BufferUsageStorageBuffer != 0 && limits.MinStorageBufferOffsetAlignment > alignment {
		alignment = limits.MinStorageBufferOffsetAlignment
	}
	if usage&(core1_0.BufferUsageUniformTexelBuffer|core1_0.BufferUsageStorageTexelBuffer) != 0 && limits.MinTexelBufferOffsetAlignment > alignment {
		alignment = limits.MinTexelBufferOffsetAlignment
	}

	return uint(alignment)
}

// Stride returns the padded per-element size for array writes into a buffer of
// the given usage. Sizing host-visible buffers with this keeps array indices and
// descriptor offsets in agreement.
func (m *Memory) Stride(sizeOne int, usage core1_0.BufferUsageFlags) int {
	return Stride(sizeOne, m.ElementAlignment(usage))
}

// Flush pushes every dirty, non-coherent, mapped chunk to the device and clears
// its dirty flag. The render loop calls this once per frame, after all host
// writes and before command submission. Chunks that are coherent, unmapped, or
// clean are skipped, so back-to-back calls are no-ops.
func (m *Memory) Flush() error {
	m.logger.Debug("Memory::Flush")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	var flushErr error
	for linearity := range m.chunks {
		m.chunks[linearity].Iter(func(memoryTypeIndex int, chunkList []*Chunk) bool {
			for _, chunk := range chunkList {
				_, err := chunk.flush()
				if err != nil {
					flushErr = err
					return true
				}
			}
			return false
		})
		if flushErr != nil {
			return flushErr
		}
	}

	for _, chunk := range m.solo {
		_, err := chunk.flush()
		if err != nil {
			return err
		}
	}

	return nil
}

// CalculateStatistics rolls up occupancy across every chunk pool and the solo
// list into stats.
func (m *Memory) CalculateStatistics(stats *Statistics) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	stats.Clear()
	for linearity := range m.chunks {
		m.chunks[linearity].Iter(func(memoryTypeIndex int, chunkList []*Chunk) bool {
			for _, chunk := range chunkList {
				chunk.addStatistics(stats)
			}
			return false
		})
	}
	for _, chunk := range m.solo {
		chunk.addStatistics(stats)
	}
}

// Validate performs internal consistency checks across every chunk. See
// Chunk.Validate.
func (m *Memory) Validate() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var validateErr error
	for linearity := range m.chunks {
		m.chunks[linearity].Iter(func(memoryTypeIndex int, chunkList []*Chunk) bool {
			for _, chunk := range chunkList {
				err := chunk.Validate()
				if err != nil {
					validateErr = cerrors.Wrapf(err, "chunk pool for memory type %d", memoryTypeIndex)
					return true
				}
			}
			return false
		})
		if validateErr != nil {
			return validateErr
		}
	}

	for _, chunk := range m.solo {
		err := chunk.Validate()
		if err != nil {
			return cerrors.Wrap(err, "solo allocation")
		}
	}

	return nil
}

// LogUsage writes an occupancy report- per-chunk block sizes, percentages, and
// reason tags- to the arena's logger at info level. Diagnostic only; not part of
// the functional contract.
func (m *Memory) LogUsage() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for linearity := range m.chunks {
		m.chunks[linearity].Iter(func(memoryTypeIndex int, chunkList []*Chunk) bool {
			for chunkNumber, chunk := range chunkList {
				chunk.logUsage(m.logger, Linearity(linearity), chunkNumber)
			}
			return false
		})
	}

	for _, chunk := range m.solo {
		for _, block := range chunk.permBlocks {
			m.logger.LogAttrs(context.Background(), slog.LevelInfo, "SOLO block",
				slog.Int("size", block.size),
				slog.String("reason", block.reason),
			)
		}
	}
}

// BuildStatsString produces a JSON occupancy dump covering every chunk pool and
// the solo allocations.
func (m *Memory) BuildStatsString() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	for linearity := range m.chunks {
		linearityObj := rootObj.Name(Linearity(linearity).String()).Object()
		m.chunks[linearity].Iter(func(memoryTypeIndex int, chunkList []*Chunk) bool {
			typeArray := linearityObj.Name(fmt.Sprintf("Type %d", memoryTypeIndex)).Array()
			for _, chunk := range chunkList {
				chunkObj := typeArray.Object()
				chunk.chunkJsonData(chunkObj)
				chunkObj.End()
			}
			typeArray.End()
			return false
		})
		linearityObj.End()
	}

	soloArray := rootObj.Name("Solo").Array()
	for _, chunk := range m.solo {
		chunkObj := soloArray.Object()
		chunk.chunkJsonData(chunkObj)
		chunkObj.End()
	}
	soloArray.End()

	rootObj.End()
	return string(writer.Bytes())
}

func (m *Memory) newPoolChunk(memoryTypeIndex int) (*Chunk, error) {
	return newChunk(
		m.device,
		memoryTypeIndex,
		m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags,
		core1_0.MemoryAllocateInfo{
			AllocationSize:  m.chunkSize,
			MemoryTypeIndex: memoryTypeIndex,
		},
	)
}

// findMemoryTypeIndex resolves a platform memory type in two passes: first a
// type whose property flags exactly equal the requested flags, then any type
// carrying at least the requested flags. The exact pass keeps narrowly-capable
// types (say, device-local only) from being crowded out by richer ones that some
// later request will specifically need.
func (m *Memory) findMemoryTypeIndex(memoryTypeBits uint32, flags core1_0.MemoryPropertyFlags) (int, bool) {
	index := m.findMemoryTypeIndexWith(memoryTypeBits, func(propertyFlags core1_0.MemoryPropertyFlags) bool {
		return propertyFlags == flags
	})
	if index >= 0 {
		return index, true
	}

	index = m.findMemoryTypeIndexWith(memoryTypeBits, func(propertyFlags core1_0.MemoryPropertyFlags) bool {
		return propertyFlags&flags == flags
	})
	return index, index >= 0
}

func (m *Memory) findMemoryTypeIndexWith(memoryTypeBits uint32, matches func(core1_0.MemoryPropertyFlags) bool) int {
	for index, memoryType := range m.memoryProperties.MemoryTypes {
		if memoryTypeBits&(1<<uint(index)) == 0 {
			continue
		}
		if matches(memoryType.PropertyFlags) {
			return index
		}
	}
	return -1
}
