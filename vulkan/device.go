package vulkan

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/siege/arena"
)

// Device adapts a core1_0.Device to the narrow allocation surface the arena
// consumes. It enforces the platform's total-allocation-count limit and
// establishes persistent whole-range mappings for host-visible chunks.
type Device struct {
	device              core1_0.Device
	allocationCallbacks *driver.AllocationCallbacks

	maxMemoryAllocationCount int
	memoryCount              uint32
}

// NewDevice queries the physical device's capability structures and wraps the
// logical device for use with arena.New. The returned property structures are
// the ones arena.New expects.
func NewDevice(
	device core1_0.Device,
	physicalDevice core1_0.PhysicalDevice,
	allocationCallbacks *driver.AllocationCallbacks,
) (*Device, *core1_0.PhysicalDeviceMemoryProperties, *core1_0.PhysicalDeviceProperties, error) {
	deviceProperties, err := physicalDevice.Properties()
	if err != nil {
		return nil, nil, nil, err
	}
	memoryProperties := physicalDevice.MemoryProperties()

	err = arena.CheckPow2(uint(deviceProperties.Limits.NonCoherentAtomSize), "device nonCoherentAtomSize")
	if err != nil {
		return nil, nil, nil, err
	}

	return &Device{
		device:              device,
		allocationCallbacks: allocationCallbacks,

		maxMemoryAllocationCount: deviceProperties.Limits.MaxMemoryAllocationCount,
	}, memoryProperties, deviceProperties, nil
}

// AllocateMemory makes one platform allocation, counting it against the
// device's maxMemoryAllocationCount. When mapped is true the allocation is
// persistently mapped across its whole range before it is returned.
func (d *Device) AllocateMemory(allocateInfo core1_0.MemoryAllocateInfo, mapped bool) (arena.DeviceMemory, common.VkResult, error) {
	newCount := atomic.AddUint32(&d.memoryCount, 1)
	if int(newCount) > d.maxMemoryAllocationCount {
		atomic.AddUint32(&d.memoryCount, ^uint32(0))
		return nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}

	memory, res, err := d.device.AllocateMemory(d.allocationCallbacks, allocateInfo)
	if err != nil {
		atomic.AddUint32(&d.memoryCount, ^uint32(0))
		return nil, res, err
	}

	var mapData unsafe.Pointer
	if mapped {
		mapData, res, err = memory.Map(0, common.WholeSize, 0)
		if err != nil {
			memory.Free(d.allocationCallbacks)
			atomic.AddUint32(&d.memoryCount, ^uint32(0))
			return nil, res, errors.Wrap(err, "failed to establish the persistent mapping for a new chunk")
		}
	}

	return &deviceMemory{
		parent:  d,
		device:  d.device,
		memory:  memory,
		mapData: mapData,
	}, res, nil
}

// AllocationCount returns the number of live platform allocations made through
// this wrapper.
func (d *Device) AllocationCount() uint32 {
	return atomic.LoadUint32(&d.memoryCount)
}

type deviceMemory struct {
	parent  *Device
	device  core1_0.Device
	memory  core1_0.DeviceMemory
	mapData unsafe.Pointer
}

func (m *deviceMemory) VulkanDeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

func (m *deviceMemory) MappedData() unsafe.Pointer {
	return m.mapData
}

func (m *deviceMemory) Flush() (common.VkResult, error) {
	return m.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: m.memory,
			Offset: 0,
			Size:   common.WholeSize,
		},
	})
}

func (m *deviceMemory) Free() {
	if m.mapData != nil {
		m.memory.Unmap()
		m.mapData = nil
	}
	m.memory.Free(m.parent.allocationCallbacks)
	atomic.AddUint32(&m.parent.memoryCount, ^uint32(0))
}
