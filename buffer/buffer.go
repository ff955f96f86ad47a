package buffer

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/siege/arena"
)

// TransferCommander is the synchronous upload collaborator: it records a copy,
// submits it, and blocks the calling thread until the device signals completion.
// The renderer's command machinery implements it; the buffer wrappers only
// consume it.
type TransferCommander interface {
	CopyBuffer(src core1_0.Buffer, dst core1_0.Buffer, regions []core1_0.BufferCopy) (common.VkResult, error)
}

func newBound(
	device core1_0.Device,
	allocationCallbacks *driver.AllocationCallbacks,
	memory *arena.Memory,
	size int,
	usage core1_0.BufferUsageFlags,
	lifetime arena.Lifetime,
	reason string,
	requiredProperties core1_0.MemoryPropertyFlags,
) (core1_0.Buffer, *arena.Block, error) {
	buffer, _, err := device.CreateBuffer(allocationCallbacks, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to create a %d-byte buffer (%s)", size, reason)
	}

	memoryRequirements := buffer.MemoryRequirements()
	block, err := memory.AllocateDeviceMemory(memoryRequirements, requiredProperties, usage, arena.LinearResources, lifetime, reason)
	if err != nil {
		buffer.Destroy(allocationCallbacks)
		return nil, nil, err
	}

	_, err = buffer.BindBufferMemory(block.Memory(), block.Offset())
	if err != nil {
		buffer.Destroy(allocationCallbacks)
		freeErr := block.Free()
		if freeErr != nil {
			return nil, nil, freeErr
		}
		return nil, nil, errors.Wrapf(err, "failed to bind a %d-byte buffer at chunk offset %d (%s)", size, block.Offset(), reason)
	}

	return buffer, block, nil
}

// HostVisibleBuffer is a buffer in host-visible memory sized for count elements
// of T, including per-element alignment padding. T is used for sizing and the
// typed write helpers only; nothing stops a caller from writing other types
// through the block.
type HostVisibleBuffer[T any] struct {
	buffer              core1_0.Buffer
	block               *arena.Block
	allocationCallbacks *driver.AllocationCallbacks
	count               int
}

// NewHostVisibleBuffer creates the buffer, allocates host-visible backing memory
// from the arena, and binds the two together.
func NewHostVisibleBuffer[T any](
	device core1_0.Device,
	allocationCallbacks *driver.AllocationCallbacks,
	memory *arena.Memory,
	count int,
	usage core1_0.BufferUsageFlags,
	lifetime arena.Lifetime,
	reason string,
) (*HostVisibleBuffer[T], error) {
	var zero T
	stride := memory.Stride(int(unsafe.Sizeof(zero)), usage)
	size := stride * count

	buffer, block, err := newBound(device, allocationCallbacks, memory, size, usage, lifetime, reason, core1_0.MemoryPropertyHostVisible)
	if err != nil {
		return nil, err
	}

	return &HostVisibleBuffer[T]{
		buffer:              buffer,
		block:               block,
		allocationCallbacks: allocationCallbacks,
		count:               count,
	}, nil
}

// Buffer returns the underlying platform buffer, for descriptor writes and
// command recording.
func (b *HostVisibleBuffer[T]) Buffer() core1_0.Buffer {
	return b.buffer
}

// Block returns the backing arena block.
func (b *HostVisibleBuffer[T]) Block() *arena.Block {
	return b.block
}

// Count returns the element capacity the buffer was sized for.
func (b *HostVisibleBuffer[T]) Count() int {
	return b.count
}

// Size returns the buffer's size in bytes, element padding included.
func (b *HostVisibleBuffer[T]) Size() int {
	return b.block.Size()
}

// Write writes one element at the given strided element index.
func (b *HostVisibleBuffer[T]) Write(data *T, index int) error {
	return arena.WriteOne(b.block, data, index)
}

// WriteArray writes a slice of elements starting at the given strided element
// index.
func (b *HostVisibleBuffer[T]) WriteArray(data []T, index int) error {
	return arena.WriteArray(b.block, data, index)
}

// Destroy destroys the platform buffer and frees the backing block. The block's
// region becomes reusable on the arena's next temporary allocation sweep.
func (b *HostVisibleBuffer[T]) Destroy() error {
	b.buffer.Destroy(b.allocationCallbacks)
	return b.block.Free()
}

// DeviceLocalBuffer is a buffer in device-local memory, filled by staging
// uploads. Use it for meshes and other static data the host writes once.
type DeviceLocalBuffer[T any] struct {
	buffer              core1_0.Buffer
	block               *arena.Block
	allocationCallbacks *driver.AllocationCallbacks
	count               int
}

// NewDeviceLocalBuffer creates the buffer with TransferDst added to the
// requested usage, allocates device-local backing memory, and binds the two
// together.
func NewDeviceLocalBuffer[T any](
	device core1_0.Device,
	allocationCallbacks *driver.AllocationCallbacks,
	memory *arena.Memory,
	count int,
	usage core1_0.BufferUsageFlags,
	lifetime arena.Lifetime,
	reason string,
) (*DeviceLocalBuffer[T], error) {
	var zero T
	stride := memory.Stride(int(unsafe.Sizeof(zero)), usage)
	size := stride * count

	buffer, block, err := newBound(device, allocationCallbacks, memory, size, usage|core1_0.BufferUsageTransferDst, lifetime, reason, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return nil, err
	}

	return &DeviceLocalBuffer[T]{
		buffer:              buffer,
		block:               block,
		allocationCallbacks: allocationCallbacks,
		count:               count,
	}, nil
}

// Buffer returns the underlying platform buffer.
func (b *DeviceLocalBuffer[T]) Buffer() core1_0.Buffer {
	return b.buffer
}

// Block returns the backing arena block.
func (b *DeviceLocalBuffer[T]) Block() *arena.Block {
	return b.block
}

// Count returns the element capacity the buffer was sized for.
func (b *DeviceLocalBuffer[T]) Count() int {
	return b.count
}

// Size returns the buffer's size in bytes.
func (b *DeviceLocalBuffer[T]) Size() int {
	return b.block.Size()
}

// Upload writes data into a temporary host-visible staging buffer, flushes the
// arena, and copies the bytes into the device-local buffer through the
// commander, blocking until the copy completes. The staging buffer is freed
// before returning on every path.
//
// Upload assumes tightly packed data- usages whose element alignment exceeds
// the natural size of T (uniform-style strides) should live in a
// HostVisibleBuffer instead.
func (b *DeviceLocalBuffer[T]) Upload(
	device core1_0.Device,
	memory *arena.Memory,
	commander TransferCommander,
	data []T,
) (err error) {
	if len(data) > b.count {
		return errors.Newf("attempted to upload %d elements into a buffer sized for %d", len(data), b.count)
	}

	staging, err := NewHostVisibleBuffer[T](device, b.allocationCallbacks, memory, len(data), core1_0.BufferUsageTransferSrc, arena.LifetimeTemporary, "staging upload")
	if err != nil {
		return err
	}
	defer func() {
		destroyErr := staging.Destroy()
		if err == nil && destroyErr != nil {
			err = destroyErr
		}
	}()

	err = staging.WriteArray(data, 0)
	if err != nil {
		return err
	}

	// The staged bytes have to reach the device before the copy executes
	err = memory.Flush()
	if err != nil {
		return err
	}

	_, err = commander.CopyBuffer(staging.Buffer(), b.buffer, []core1_0.BufferCopy{
		{
			SrcOffset: 0,
			DstOffset: 0,
			Size:      staging.Size(),
		},
	})
	return err
}

// Destroy destroys the platform buffer and frees the backing block.
func (b *DeviceLocalBuffer[T]) Destroy() error {
	b.buffer.Destroy(b.allocationCallbacks)
	return b.block.Free()
}
