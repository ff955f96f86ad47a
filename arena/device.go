package arena

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// DeviceMemory is a single platform memory allocation backing one chunk. The
// production implementation lives in the vulkan package and wraps
// core1_0.DeviceMemory with a persistent whole-range mapping; tests substitute a
// host-byte-slice-backed fake.
type DeviceMemory interface {
	// VulkanDeviceMemory retrieves the underlying memory handle, for binding
	// buffers and images against sub-ranges of the chunk.
	VulkanDeviceMemory() core1_0.DeviceMemory
	// MappedData returns the persistent mapping established at allocation time,
	// or nil when the memory is not host-visible.
	MappedData() unsafe.Pointer
	// Flush pushes the entire mapped range to the device. It must only be called
	// on host-visible memory. Coherent memory types do not require it.
	Flush() (common.VkResult, error)
	// Free returns the allocation to the platform. The arena never calls this for
	// chunks- chunks live as long as the arena- but consumers tearing down a
	// whole Memory may.
	Free()
}

// Device is the narrow platform surface the arena allocates through.
type Device interface {
	// AllocateMemory makes one platform allocation. When mapped is true and the
	// memory type is host-visible, the implementation must establish a persistent
	// whole-range mapping before returning.
	AllocateMemory(allocateInfo core1_0.MemoryAllocateInfo, mapped bool) (DeviceMemory, common.VkResult, error)
}
