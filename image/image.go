package image

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/siege/arena"
)

// DeviceImage is an image bound to arena-managed device-local memory. Images
// that fit within one chunk share pool chunks with other non-linear resources;
// oversized images such as full-resolution attachments get a dedicated solo
// allocation instead.
type DeviceImage struct {
	image               core1_0.Image
	block               *arena.Block
	allocationCallbacks *driver.AllocationCallbacks
	extent              core1_0.Extent3D
	format              core1_0.Format
}

// NewDeviceImage creates the image, allocates device-local backing memory for
// it, and binds the two together.
func NewDeviceImage(
	device core1_0.Device,
	allocationCallbacks *driver.AllocationCallbacks,
	memory *arena.Memory,
	imageInfo core1_0.ImageCreateInfo,
	lifetime arena.Lifetime,
	reason string,
) (*DeviceImage, error) {
	image, _, err := device.CreateImage(allocationCallbacks, imageInfo)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a %dx%d image (%s)", imageInfo.Extent.Width, imageInfo.Extent.Height, reason)
	}

	memoryRequirements := image.MemoryRequirements()

	// Linear-tiled images row-pitch like buffers and may share chunks with them;
	// everything else is opaquely tiled and pools separately
	linearity := arena.NonLinearResources
	if imageInfo.Tiling == core1_0.ImageTilingLinear {
		linearity = arena.LinearResources
	}

	var block *arena.Block
	if memoryRequirements.Size > memory.ChunkSize() {
		block, err = memory.AllocateSoloDeviceMemory(memoryRequirements, core1_0.MemoryPropertyDeviceLocal, reason, arena.SoloOptions{
			DedicatedImage: image,
		})
	} else {
		block, err = memory.AllocateDeviceMemory(memoryRequirements, core1_0.MemoryPropertyDeviceLocal, 0, linearity, lifetime, reason)
	}
	if err != nil {
		image.Destroy(allocationCallbacks)
		return nil, err
	}

	_, err = image.BindImageMemory(block.Memory(), block.Offset())
	if err != nil {
		image.Destroy(allocationCallbacks)
		freeErr := block.Free()
		if freeErr != nil {
			return nil, freeErr
		}
		return nil, errors.Wrapf(err, "failed to bind an image at chunk offset %d (%s)", block.Offset(), reason)
	}

	return &DeviceImage{
		image:               image,
		block:               block,
		allocationCallbacks: allocationCallbacks,
		extent:              imageInfo.Extent,
		format:              imageInfo.Format,
	}, nil
}

// Image returns the underlying platform image, for view creation and command
// recording.
func (i *DeviceImage) Image() core1_0.Image {
	return i.image
}

// Block returns the backing arena block.
func (i *DeviceImage) Block() *arena.Block {
	return i.block
}

// Extent returns the extent the image was created with.
func (i *DeviceImage) Extent() core1_0.Extent3D {
	return i.extent
}

// Format returns the format the image was created with.
func (i *DeviceImage) Format() core1_0.Format {
	return i.format
}

// Size returns the size in bytes of the backing allocation.
func (i *DeviceImage) Size() int {
	return i.block.Size()
}

// Destroy destroys the platform image and frees the backing block. Freeing is a
// no-op for permanent and solo blocks; temporary blocks become reusable on the
// arena's next allocation sweep.
func (i *DeviceImage) Destroy() error {
	i.image.Destroy(i.allocationCallbacks)
	return i.block.Free()
}
