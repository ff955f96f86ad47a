package arena_test

import (
	"io"
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/siege/arena"
	"golang.org/x/exp/slog"
)

// fakeDeviceMemory backs a chunk with a plain host byte slice so that tests can
// inspect exactly what the write helpers put where.
type fakeDeviceMemory struct {
	backing    []byte
	mapData    unsafe.Pointer
	flushCount int
	freed      bool
}

func (m *fakeDeviceMemory) VulkanDeviceMemory() core1_0.DeviceMemory {
	return nil
}

func (m *fakeDeviceMemory) MappedData() unsafe.Pointer {
	return m.mapData
}

func (m *fakeDeviceMemory) Flush() (common.VkResult, error) {
	m.flushCount++
	return core1_0.VKSuccess, nil
}

func (m *fakeDeviceMemory) Free() {
	m.freed = true
}

type fakeDevice struct {
	memories      []*fakeDeviceMemory
	allocateInfos []core1_0.MemoryAllocateInfo

	// maxAllocations caps the number of successful allocations; 0 means
	// unlimited
	maxAllocations int
}

func (d *fakeDevice) AllocateMemory(allocateInfo core1_0.MemoryAllocateInfo, mapped bool) (arena.DeviceMemory, common.VkResult, error) {
	if d.maxAllocations > 0 && len(d.memories) >= d.maxAllocations {
		return nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	memory := &fakeDeviceMemory{
		backing: make([]byte, allocateInfo.AllocationSize),
	}
	if mapped {
		memory.mapData = unsafe.Pointer(&memory.backing[0])
	}

	d.memories = append(d.memories, memory)
	d.allocateInfos = append(d.allocateInfos, allocateInfo)
	return memory, core1_0.VKSuccess, nil
}

func testLimits() *core1_0.PhysicalDeviceLimits {
	return &core1_0.PhysicalDeviceLimits{
		MinUniformBufferOffsetAlignment: 16,
		MinStorageBufferOffsetAlignment: 8,
		MinTexelBufferOffsetAlignment:   4,
		NonCoherentAtomSize:             64,
		MaxMemoryAllocationCount:        4096,
	}
}

func newTestMemory(config arena.Config, memoryTypes ...core1_0.MemoryType) (*arena.Memory, *fakeDevice, error) {
	device := &fakeDevice{}
	memory, err := arena.New(
		slog.New(slog.NewTextHandler(io.Discard)),
		device,
		&core1_0.PhysicalDeviceMemoryProperties{
			MemoryTypes: memoryTypes,
			MemoryHeaps: []core1_0.MemoryHeap{
				{Size: 1024 * 1024 * 1024, Flags: core1_0.MemoryHeapDeviceLocal},
			},
		},
		&core1_0.PhysicalDeviceProperties{
			DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
			Limits:     testLimits(),
		},
		config,
	)
	return memory, device, err
}

// Memory types used across the tests. hostType is host-visible but not
// coherent, so writes through it require a flush.
var (
	hostType = core1_0.MemoryType{
		PropertyFlags: core1_0.MemoryPropertyHostVisible,
		HeapIndex:     0,
	}
	coherentType = core1_0.MemoryType{
		PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
		HeapIndex:     0,
	}
	deviceType = core1_0.MemoryType{
		PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
		HeapIndex:     0,
	}
)

func requirements(size int, alignment uint, typeBits uint32) *core1_0.MemoryRequirements {
	return &core1_0.MemoryRequirements{
		Size:           size,
		Alignment:      int(alignment),
		MemoryTypeBits: typeBits,
	}
}
