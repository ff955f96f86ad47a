package arena_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/siege/arena"
	"golang.org/x/exp/slog"
)

func TestNewValidation(t *testing.T) {
	memoryProperties := &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{hostType},
	}
	deviceProperties := &core1_0.PhysicalDeviceProperties{
		Limits: testLimits(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard))

	require.Panics(t, func() {
		_, _ = arena.New(nil, &fakeDevice{}, memoryProperties, deviceProperties, arena.Config{})
	})

	_, err := arena.New(logger, &fakeDevice{}, nil, deviceProperties, arena.Config{})
	require.Error(t, err)

	_, err = arena.New(logger, &fakeDevice{}, memoryProperties, nil, arena.Config{})
	require.Error(t, err)

	memory, err := arena.New(logger, &fakeDevice{}, memoryProperties, deviceProperties, arena.Config{})
	require.NoError(t, err)
	require.Equal(t, arena.DefaultChunkSize, memory.ChunkSize())
}

func TestExactPropertyMatchIsPreferred(t *testing.T) {
	// Type 1 matches HostVisible exactly; type 0 would also satisfy it but
	// carries coherency some later request may specifically need
	memory, device, err := newTestMemory(arena.Config{ChunkSize: 1024}, coherentType, hostType)
	require.NoError(t, err)

	_, err = memory.AllocateDeviceMemory(requirements(100, 1, 0b11), core1_0.MemoryPropertyHostVisible, 0, arena.LinearResources, arena.LifetimeTemporary, "staging")
	require.NoError(t, err)
	require.Equal(t, 1, device.allocateInfos[0].MemoryTypeIndex)
}

func TestSupersetPropertyMatchIsFallback(t *testing.T) {
	combined := core1_0.MemoryType{
		PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible,
		HeapIndex:     0,
	}
	memory, device, err := newTestMemory(arena.Config{ChunkSize: 1024}, combined)
	require.NoError(t, err)

	_, err = memory.AllocateDeviceMemory(requirements(100, 1, 0b1), core1_0.MemoryPropertyDeviceLocal, 0, arena.LinearResources, arena.LifetimeTemporary, "target")
	require.NoError(t, err)
	require.Equal(t, 0, device.allocateInfos[0].MemoryTypeIndex)
}

func TestMemoryTypeBitsAreRespected(t *testing.T) {
	memory, device, err := newTestMemory(arena.Config{ChunkSize: 1024}, hostType, hostType)
	require.NoError(t, err)

	// The resource only supports type 1
	_, err = memory.AllocateDeviceMemory(requirements(100, 1, 0b10), core1_0.MemoryPropertyHostVisible, 0, arena.LinearResources, arena.LifetimeTemporary, "staging")
	require.NoError(t, err)
	require.Equal(t, 1, device.allocateInfos[0].MemoryTypeIndex)
}

func TestNoCompatibleMemoryType(t *testing.T) {
	memory, _, err := newTestMemory(arena.Config{ChunkSize: 1024}, deviceType)
	require.NoError(t, err)

	_, err = memory.AllocateDeviceMemory(requirements(100, 1, 0b1), core1_0.MemoryPropertyHostVisible, 0, arena.LinearResources, arena.LifetimeTemporary, "staging")
	require.ErrorIs(t, err, arena.OutOfGraphicsMemory)
}

func TestOversizedRequestPanics(t *testing.T) {
	memory, _, err := newTestMemory(arena.Config{ChunkSize: 1024}, hostType)
	require.NoError(t, err)

	require.Panics(t, func() {
		_, _ = memory.AllocateDeviceMemory(requirements(2048, 1, 0b1), core1_0.MemoryPropertyHostVisible, 0, arena.LinearResources, arena.LifetimeTemporary, "too big")
	})
}

func TestLinearitiesDoNotShareChunks(t *testing.T) {
	memory, device, err := newTestMemory(arena.Config{ChunkSize: 1024}, hostType)
	require.NoError(t, err)

	linear, err := memory.AllocateDeviceMemory(requirements(100, 1, 0b1), core1_0.MemoryPropertyHostVisible, 0, arena.LinearResources, arena.LifetimeTemporary, "buffer")
	require.NoError(t, err)
	require.Equal(t, 0, linear.Offset())

	nonLinear, err := memory.AllocateDeviceMemory(requirements(100, 1, 0b1), core1_0.MemoryPropertyHostVisible, 0, arena.NonLinearResources, arena.LifetimeTemporary, "image")
	require.NoError(t, err)
	require.Equal(t, 0, nonLinear.Offset())

	require.Len(t, device.memories, 2)
}

func TestChunkPoolGrowth(t *testing.T) {
	memory, device, err := newTestMemory(arena.Config{ChunkSize: 1024}, hostType)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		block, err := memory.AllocateDeviceMemory(requirements(1024, 1, 0b1), core1_0.MemoryPropertyHostVisible, 0, arena.LinearResources, arena.LifetimeTemporary, "full chunk")
		require.NoError(t, err)
		require.Equal(t, 0, block.Offset())
	}
	require.Len(t, device.memories, 3)
}

func TestChunkGrowthFailurePropagates(t *testing.T) {
	memory, device, err := newTestMemory(arena.Config{ChunkSize: 1024}, hostType)
	require.NoError(t, err)
	device.maxAllocations = 1

	_, err = memory.AllocateDeviceMemory(requirements(1024, 1, 0b1), core1_0.MemoryPropertyHostVisible, 0, arena.LinearResources, arena.LifetimeTemporary, "full chunk")
	require.NoError(t, err)

	_, err = memory.AllocateDeviceMemory(requirements(1024, 1, 0b1), core1_0.MemoryPropertyHostVisible, 0, arena.LinearResources, arena.LifetimeTemporary, "second chunk")
	require.Error(t, err)
}

func TestFlushIsIdempotent(t *testing.T) {
	memory, device, err := newTestMemory(arena.Config{ChunkSize: 1024}, hostType)
	require.NoError(t, err)

	block, err := memory.AllocateDeviceMemory(requirements(100, 1, 0b1), core1_0.MemoryPropertyHostVisible, 0, arena.LinearResources, arena.LifetimeTemporary, "staging")
	require.NoError(t, err)

	// Nothing written yet- nothing to flush
	require.NoError(t, memory.Flush())
	require.Equal(t, 0, device.memories[0].flushCount)

	value := uint32(7)
	require.NoError(t, arena.WriteOne(block, &value, 0))

	require.NoError(t, memory.Flush())
	require.Equal(t, 1, device.memories[0].flushCount)

	// Clean chunk- back-to-back flush is a no-op
	require.NoError(t, memory.Flush())
	require.Equal(t, 1, device.memories[0].flushCount)

	require.NoError(t, arena.WriteOne(block, &value, 1))
	require.NoError(t, memory.Flush())
	require.Equal(t, 2, device.memories[0].flushCount)
}

func TestCoherentChunksAreNeverFlushed(t *testing.T) {
	memory, device, err := newTestMemory(arena.Config{ChunkSize: 1024}, coherentType)
	require.NoError(t, err)

	block, err := memory.AllocateDeviceMemory(requirements(100, 1, 0b1), core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent, 0, arena.LinearResources, arena.LifetimeTemporary, "staging")
	require.NoError(t, err)
	require.True(t, block.IsCoherent())

	value := uint32(7)
	require.NoError(t, arena.WriteOne(block, &value, 0))

	require.NoError(t, memory.Flush())
	require.Equal(t, 0, device.memories[0].flushCount)
}

func TestSoloAllocation(t *testing.T) {
	memory, device, err := newTestMemory(arena.Config{ChunkSize: 1024}, hostType)
	require.NoError(t, err)

	block, err := memory.AllocateSoloDeviceMemory(requirements(5000, 1, 0b1), core1_0.MemoryPropertyHostVisible, "shading target", arena.SoloOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, block.Offset())
	require.Equal(t, 5000, block.Size())

	// The platform allocation matches the request, not the chunk size
	require.Len(t, device.memories, 1)
	require.Equal(t, 5000, device.allocateInfos[0].AllocationSize)

	// Solo allocations are permanent- freeing the handle reclaims nothing
	require.NoError(t, block.Free())

	var stats arena.Statistics
	memory.CalculateStatistics(&stats)
	require.Equal(t, arena.Statistics{
		ChunkCount:      1,
		AllocationCount: 1,
		ChunkBytes:      5000,
		AllocationBytes: 5000,
	}, stats)

	require.NoError(t, memory.Validate())
}

func TestSoloFlush(t *testing.T) {
	memory, device, err := newTestMemory(arena.Config{ChunkSize: 1024}, hostType)
	require.NoError(t, err)

	block, err := memory.AllocateSoloDeviceMemory(requirements(5000, 1, 0b1), core1_0.MemoryPropertyHostVisible, "shading target", arena.SoloOptions{})
	require.NoError(t, err)

	value := uint64(42)
	require.NoError(t, arena.WriteOne(block, &value, 0))

	require.NoError(t, memory.Flush())
	require.Equal(t, 1, device.memories[0].flushCount)
}

type fakeBuffer struct {
	core1_0.Buffer
}

type fakeImage struct {
	core1_0.Image
}

func TestSoloRejectsTwoDedicatedResources(t *testing.T) {
	memory, _, err := newTestMemory(arena.Config{ChunkSize: 1024}, hostType)
	require.NoError(t, err)

	require.Panics(t, func() {
		_, _ = memory.AllocateSoloDeviceMemory(requirements(5000, 1, 0b1), core1_0.MemoryPropertyHostVisible, "confused", arena.SoloOptions{
			DedicatedBuffer: fakeBuffer{},
			DedicatedImage:  fakeImage{},
		})
	})
}

func TestCalculateStatistics(t *testing.T) {
	memory, _, err := newTestMemory(arena.Config{ChunkSize: 1024}, hostType)
	require.NoError(t, err)

	_, err = memory.AllocateDeviceMemory(requirements(100, 1, 0b1), core1_0.MemoryPropertyHostVisible, 0, arena.LinearResources, arena.LifetimePermanent, "perm")
	require.NoError(t, err)

	temp, err := memory.AllocateDeviceMemory(requirements(200, 1, 0b1), core1_0.MemoryPropertyHostVisible, 0, arena.LinearResources, arena.LifetimeTemporary, "temp")
	require.NoError(t, err)

	var stats arena.Statistics
	memory.CalculateStatistics(&stats)
	require.Equal(t, arena.Statistics{
		ChunkCount:      1,
		AllocationCount: 2,
		ChunkBytes:      1024,
		AllocationBytes: 300,
	}, stats)

	// The freed block stays on the books until the next allocation sweeps it
	require.NoError(t, temp.Free())
	memory.CalculateStatistics(&stats)
	require.Equal(t, 2, stats.AllocationCount)

	_, err = memory.AllocateDeviceMemory(requirements(50, 1, 0b1), core1_0.MemoryPropertyHostVisible, 0, arena.LinearResources, arena.LifetimeTemporary, "sweep")
	require.NoError(t, err)
	memory.CalculateStatistics(&stats)
	require.Equal(t, arena.Statistics{
		ChunkCount:      1,
		AllocationCount: 2,
		ChunkBytes:      1024,
		AllocationBytes: 150,
	}, stats)
}

func TestBuildStatsString(t *testing.T) {
	memory, _, err := newTestMemory(arena.Config{ChunkSize: 1024}, hostType)
	require.NoError(t, err)

	_, err = memory.AllocateDeviceMemory(requirements(100, 1, 0b1), core1_0.MemoryPropertyHostVisible, 0, arena.LinearResources, arena.LifetimePermanent, "gbuffer")
	require.NoError(t, err)

	_, err = memory.AllocateSoloDeviceMemory(requirements(5000, 1, 0b1), core1_0.MemoryPropertyHostVisible, "shading target", arena.SoloOptions{})
	require.NoError(t, err)

	stats := memory.BuildStatsString()
	require.Contains(t, stats, "\"Solo\"")
	require.Contains(t, stats, "\"TotalBytes\"")
	require.Contains(t, stats, "gbuffer")
	require.Contains(t, stats, "shading target")
}

func TestElementAlignment(t *testing.T) {
	memory, _, err := newTestMemory(arena.Config{ChunkSize: 1024}, hostType)
	require.NoError(t, err)

	require.Equal(t, uint(1), memory.ElementAlignment(0))
	require.Equal(t, uint(1), memory.ElementAlignment(core1_0.BufferUsageVertexBuffer))
	require.Equal(t, uint(16), memory.ElementAlignment(core1_0.BufferUsageUniformBuffer))
	require.Equal(t, uint(8), memory.ElementAlignment(core1_0.BufferUsageStorageBuffer))
	require.Equal(t, uint(4), memory.ElementAlignment(core1_0.BufferUsageUniformTexelBuffer))
	require.Equal(t, uint(16), memory.ElementAlignment(core1_0.BufferUsageUniformBuffer|core1_0.BufferUsageStorageBuffer))

	require.Equal(t, 112, memory.Stride(100, core1_0.BufferUsageUniformBuffer))
	require.Equal(t, 100, memory.Stride(100, core1_0.BufferUsageVertexBuffer))
}
