package arena

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
)

// WriteOne writes a single value of type T into the block at the given element
// index. The index is measured in strided elements, not bytes- each element
// occupies Stride(sizeof(T), block.ElementAlignment()) bytes.
//
// Returns MemoryNotHostWritable if the block has no mapped pointer.
func WriteOne[T any](b *Block, data *T, index int) error {
	if b.mappedData == nil {
		return cerrors.Wrapf(MemoryNotHostWritable, "attempted to write %d bytes at element index %d", unsafe.Sizeof(*data), index)
	}

	sizeOne := int(unsafe.Sizeof(*data))
	stride := Stride(sizeOne, b.elementAlignment)
	if stride*index+sizeOne > b.size {
		return cerrors.Newf("write of %d bytes at element index %d (stride %d) ends past the block size %d", sizeOne, index, stride, b.size)
	}

	dst := unsafe.Slice((*byte)(b.mappedData), b.size)
	src := unsafe.Slice((*byte)(unsafe.Pointer(data)), sizeOne)
	copy(dst[stride*index:], src)

	b.markDirty()
	return nil
}

// WriteArray writes a contiguous slice of T into the block starting at the given
// element index. When the computed stride equals the natural size of T the whole
// slice is copied in one pass; otherwise elements are written one at a time at
// strided offsets, since host slices carry no inter-element padding.
//
// Returns MemoryNotHostWritable if the block has no mapped pointer.
func WriteArray[T any](b *Block, data []T, index int) error {
	if b.mappedData == nil {
		return cerrors.Wrapf(MemoryNotHostWritable, "attempted to write %d elements at element index %d", len(data), index)
	}
	if len(data) == 0 {
		return nil
	}

	sizeOne := int(unsafe.Sizeof(data[0]))
	stride := Stride(sizeOne, b.elementAlignment)
	if stride*(index+len(data)-1)+sizeOne > b.size {
		return cerrors.Newf("write of %d %d-byte elements at element index %d (stride %d) ends past the block size %d", len(data), sizeOne, index, stride, b.size)
	}

	dst := unsafe.Slice((*byte)(b.mappedData), b.size)
	if stride == sizeOne {
		src := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*sizeOne)
		copy(dst[stride*index:], src)
	} else {
		for i := range data {
			src := unsafe.Slice((*byte)(unsafe.Pointer(&data[i])), sizeOne)
			copy(dst[stride*(index+i):], src)
		}
	}

	b.markDirty()
	return nil
}

// BlockWriter is a streaming adapter over a block's mapped range. Bytes can be
// trickled in across multiple Write calls; writes past the end of the block are
// truncated rather than failing, so texture and mesh decoders can stream without
// tracking the boundary themselves.
type BlockWriter struct {
	block  *Block
	offset int
}

// NewBlockWriter creates a streaming writer positioned at the start of the
// block. Returns MemoryNotHostWritable if the block has no mapped pointer.
func NewBlockWriter(block *Block) (*BlockWriter, error) {
	if block.mappedData == nil {
		return nil, cerrors.Wrap(MemoryNotHostWritable, "attempted to create a streaming writer")
	}

	return &BlockWriter{block: block}, nil
}

// Write copies p into the block at the current position and advances it. When p
// extends past the end of the block, the prefix that fits is written and the
// rest is dropped- the returned count is the number of bytes actually written
// and the error is always nil. This intentionally does not satisfy the strict
// io.Writer short-write contract; do not drive it with io.Copy.
func (w *BlockWriter) Write(p []byte) (int, error) {
	remaining := w.block.size - w.offset
	if remaining <= 0 {
		return 0, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}

	dst := unsafe.Slice((*byte)(w.block.mappedData), w.block.size)
	n := copy(dst[w.offset:], p)
	w.offset += n

	if n > 0 {
		w.block.markDirty()
	}
	return n, nil
}

// BytesWritten returns the total number of bytes accepted so far.
func (w *BlockWriter) BytesWritten() int {
	return w.offset
}
