package arena

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Block is a handle to a live sub-allocation within a chunk. Consumers bind
// platform resources against Memory()/Offset() and write host data through
// WriteOne, WriteArray, or a BlockWriter.
//
// A Block does not deallocate on its own- call Free when the resource backed by
// it is destroyed. Freeing pushes the block's offset onto its chunk's free-list;
// the region only becomes reusable during the sweep at the start of the next
// temporary allocation against that chunk.
type Block struct {
	chunk            *Chunk
	memory           DeviceMemory
	offset           int
	size             int
	mappedData       unsafe.Pointer
	elementAlignment uint
	coherent         bool
	permanent        bool
	freed            bool
}

// Memory returns the device memory handle shared with the owning chunk.
func (b *Block) Memory() core1_0.DeviceMemory {
	return b.memory.VulkanDeviceMemory()
}

// Offset returns the block's byte offset within its chunk.
func (b *Block) Offset() int {
	return b.offset
}

// Size returns the block's size in bytes.
func (b *Block) Size() int {
	return b.size
}

// ElementAlignment returns the per-element stride alignment applied to array
// writes through this block.
func (b *Block) ElementAlignment() uint {
	return b.elementAlignment
}

// IsHostWritable returns whether host writes through this block are possible-
// that is, whether the backing memory type is host-visible and mapped.
func (b *Block) IsHostWritable() bool {
	return b.mappedData != nil
}

// IsCoherent returns whether the backing memory type is host-coherent. Coherent
// blocks never require an explicit flush.
func (b *Block) IsCoherent() bool {
	return b.coherent
}

// MappedData returns a pointer to the start of the block within the chunk's
// persistent mapping, or nil for device-local-only memory. Prefer the typed
// write helpers; this accessor exists for upload paths that hand the pointer to
// the platform directly.
func (b *Block) MappedData() unsafe.Pointer {
	return b.mappedData
}

// Free releases the block. The region is not immediately reusable- the offset is
// recorded on the owning chunk's free-list and swept out during the next
// temporary allocation against that chunk.
//
// Freeing a permanent block is a no-op beyond marking the handle dead: the
// permanent region is never reclaimed. Freeing twice is an error.
func (b *Block) Free() error {
	if b.freed {
		return cerrors.Newf("block at offset %d was freed twice", b.offset)
	}
	b.freed = true

	if b.permanent {
		return nil
	}

	b.chunk.freeOffsets = append(b.chunk.freeOffsets, b.offset)
	return nil
}

// markDirty flags the owning chunk as needing a host-to-device flush. Relaxed
// ordering is fine here- the flag is advisory for the per-frame flush pass, and
// actual host/device ordering is enforced by submission barriers.
func (b *Block) markDirty() {
	b.chunk.dirty.Store(true)
}
