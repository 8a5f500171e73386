package mm

import (
	"context"
	"log/slog"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/pipebuffer/pb"
)

// MaxAlign2 is the largest alignment exponent accepted by AllocMem
const MaxAlign2 = 30

// Block is a range of a Heap, either free or handed out to a caller. Blocks are only valid until
// they are freed: freeing a block may merge it into a neighbor.
type Block struct {
	next, prev         *Block
	nextFree, prevFree *Block
	heap               *Heap

	ofs  int
	size int

	free     bool
	reserved bool
}

// Offset is the first unit of the block's range
func (b *Block) Offset() int { return b.ofs }

// Size is the number of units in the block's range
func (b *Block) Size() int { return b.size }

func (b *Block) IsFree() bool     { return b.free }
func (b *Block) IsReserved() bool { return b.reserved }

// Heap returns the heap the block belongs to, or nil if the block has been merged away or its heap
// destroyed
func (b *Block) Heap() *Heap { return b.heap }

// Heap is a first-fit allocator over a range of offsets. It does not own any memory: offsets are in
// whatever unit the caller uses, usually bytes of a buffer the caller has mapped.
//
// Blocks are kept in two circular lists threaded through a sentinel: every block in address order,
// and the free blocks in the order they were freed, most recent first. Heap is not synchronized.
type Heap struct {
	sentinel Block

	start int
	size  int

	allocCount int
	allocBytes int
	freeCount  int

	// Allocated and reserved blocks by offset
	allocated *swiss.Map[int, *Block]
}

// Init creates a heap spanning [ofs, ofs+size) with a single free block
func Init(ofs, size int) (*Heap, error) {
	if size <= 0 {
		return nil, errors.Errorf("heap size must be positive but was %d", size)
	}
	if ofs < 0 {
		return nil, errors.Errorf("heap offset must not be negative but was %d", ofs)
	}

	h := &Heap{
		start:     ofs,
		size:      size,
		allocated: swiss.NewMap[int, *Block](42),
	}
	h.sentinel.heap = h
	h.sentinel.next = &h.sentinel
	h.sentinel.prev = &h.sentinel
	h.sentinel.nextFree = &h.sentinel
	h.sentinel.prevFree = &h.sentinel

	block := &Block{
		heap: h,
		ofs:  ofs,
		size: size,
		free: true,
	}
	h.linkAfter(block, &h.sentinel)
	h.linkFreeAfter(block, &h.sentinel)
	h.freeCount = 1

	return h, nil
}

func (h *Heap) Start() int { return h.start }
func (h *Heap) Size() int  { return h.size }

// AllocationCount is the number of allocated and reserved blocks
func (h *Heap) AllocationCount() int { return h.allocCount }

// FreeBytes is the number of units not covered by an allocated or reserved block
func (h *Heap) FreeBytes() int { return h.size - h.allocBytes }

func (h *Heap) IsEmpty() bool { return h.allocCount == 0 }

func (h *Heap) linkAfter(b, after *Block) {
	b.prev = after
	b.next = after.next
	after.next.prev = b
	after.next = b
}

func (h *Heap) unlink(b *Block) {
	b.prev.next = b.next
	b.next.prev = b.prev
	b.next = nil
	b.prev = nil
}

func (h *Heap) linkFreeAfter(b, after *Block) {
	b.prevFree = after
	b.nextFree = after.nextFree
	after.nextFree.prevFree = b
	after.nextFree = b
}

func (h *Heap) unlinkFree(b *Block) {
	b.prevFree.nextFree = b.nextFree
	b.nextFree.prevFree = b.prevFree
	b.nextFree = nil
	b.prevFree = nil
}

// sliceBlock carves [startOfs, startOfs+size) out of the free block p. Any space before or after
// the range stays in the free list as new free blocks.
func (h *Heap) sliceBlock(p *Block, startOfs, size int, reserved bool) *Block {
	if startOfs > p.ofs {
		right := &Block{
			heap: h,
			ofs:  startOfs,
			size: p.size - (startOfs - p.ofs),
			free: true,
		}
		h.linkAfter(right, p)
		h.linkFreeAfter(right, p)
		h.freeCount++

		p.size -= right.size
		p = right
	}

	if size < p.size {
		right := &Block{
			heap: h,
			ofs:  startOfs + size,
			size: p.size - size,
			free: true,
		}
		h.linkAfter(right, p)
		h.linkFreeAfter(right, p)
		h.freeCount++

		p.size = size
	}

	p.free = false
	p.reserved = reserved
	h.unlinkFree(p)
	h.freeCount--

	h.allocCount++
	h.allocBytes += p.size
	h.allocated.Put(p.ofs, p)

	return p
}

// AllocMem finds the first block in the free list that can hold size units starting at a multiple
// of 1<<align2, no earlier than startSearch. It returns nil if no free block fits.
func (h *Heap) AllocMem(size int, align2 int, startSearch int) *Block {
	if size <= 0 || align2 < 0 || align2 > MaxAlign2 {
		return nil
	}

	alignment := 1 << align2
	for p := h.sentinel.nextFree; p != &h.sentinel; p = p.nextFree {
		startOfs := pb.AlignUp(p.ofs, alignment)
		if startOfs < startSearch {
			startOfs = pb.AlignUp(startSearch, alignment)
		}

		if startOfs+size <= p.ofs+p.size {
			block := h.sliceBlock(p, startOfs, size, false)
			pb.DebugValidate(h)
			return block
		}
	}

	return nil
}

// ReserveMem takes the range [ofs, ofs+size) out of the heap. The returned block cannot be freed
// with FreeMem. It returns nil if any part of the range is already in use.
func (h *Heap) ReserveMem(ofs, size int) *Block {
	if ofs < 0 || size <= 0 {
		return nil
	}

	end := ofs + size
	for p := h.sentinel.next; p != &h.sentinel; p = p.next {
		if p.ofs <= ofs && end <= p.ofs+p.size {
			if !p.free {
				return nil
			}

			block := h.sliceBlock(p, ofs, size, true)
			pb.DebugValidate(h)
			return block
		}
	}

	return nil
}

// FreeMem returns b to the heap and merges it with any free neighbors
func (h *Heap) FreeMem(b *Block) error {
	if b == nil {
		return nil
	}
	if b.heap == nil {
		return errors.Errorf("block at offset %d does not belong to a heap", b.ofs)
	}
	if b.heap != h {
		return errors.Errorf("block at offset %d belongs to a different heap", b.ofs)
	}
	if b.free {
		return errors.Errorf("block at offset %d is already free", b.ofs)
	}
	if b.reserved {
		return errors.Errorf("block at offset %d is reserved", b.ofs)
	}

	h.allocated.Delete(b.ofs)
	h.allocCount--
	h.allocBytes -= b.size

	b.free = true
	h.linkFreeAfter(b, &h.sentinel)
	h.freeCount++

	h.join(b)
	if b.prev != &h.sentinel {
		h.join(b.prev)
	}

	pb.DebugValidate(h)
	return nil
}

// join merges p.next into p if both are free. The sentinel is never free, so the ends of the heap
// are never joined.
func (h *Heap) join(p *Block) {
	if !p.free || !p.next.free {
		return
	}

	q := p.next
	p.size += q.size
	h.unlink(q)
	h.unlinkFree(q)
	h.freeCount--
	q.heap = nil
}

// FindBlock returns the allocated or reserved block that starts at ofs, or nil
func (h *Heap) FindBlock(ofs int) *Block {
	block, ok := h.allocated.Get(ofs)
	if !ok {
		return nil
	}
	return block
}

// Destroy releases every block. Blocks still held by callers are detached and can no longer be freed.
func (h *Heap) Destroy() {
	for p := h.sentinel.next; p != &h.sentinel; {
		next := p.next
		p.next, p.prev = nil, nil
		p.nextFree, p.prevFree = nil, nil
		p.heap = nil
		p = next
	}

	h.sentinel.next = &h.sentinel
	h.sentinel.prev = &h.sentinel
	h.sentinel.nextFree = &h.sentinel
	h.sentinel.prevFree = &h.sentinel
	h.allocated = swiss.NewMap[int, *Block](42)
	h.allocCount = 0
	h.allocBytes = 0
	h.freeCount = 0
}

// Validate checks that the blocks partition the heap's range, that no two free blocks are
// adjacent, and that the free list holds exactly the free blocks
func (h *Heap) Validate() error {
	nextOfs := h.start
	var freeCount, allocCount, allocBytes int

	for p := h.sentinel.next; p != &h.sentinel; p = p.next {
		if p.heap != h {
			return errors.Errorf("block at offset %d does not point back to its heap", p.ofs)
		}
		if p.next.prev != p {
			return errors.Errorf("block at offset %d lists a next block whose reverse reference is broken", p.ofs)
		}
		if p.size <= 0 {
			return errors.Errorf("block at offset %d has invalid size %d", p.ofs, p.size)
		}
		if p.ofs != nextOfs {
			return errors.Errorf("block at offset %d does not start at the previous block's end offset %d", p.ofs, nextOfs)
		}
		nextOfs = p.ofs + p.size

		if p.free {
			freeCount++
			if p.reserved {
				return errors.Errorf("block at offset %d is both free and reserved", p.ofs)
			}
			if p.next.free {
				return errors.Errorf("free block at offset %d is followed by another free block", p.ofs)
			}
		} else {
			allocCount++
			allocBytes += p.size

			indexed, ok := h.allocated.Get(p.ofs)
			if !ok || indexed != p {
				return errors.Errorf("allocated block at offset %d is missing from the allocation index", p.ofs)
			}
		}
	}

	if nextOfs != h.start+h.size {
		return errors.Errorf("the heap's blocks end at offset %d, but the heap ends at %d", nextOfs, h.start+h.size)
	}

	freeListCount := 0
	for p := h.sentinel.nextFree; p != &h.sentinel; p = p.nextFree {
		if !p.free {
			return errors.Errorf("block at offset %d is in the free list but is not free", p.ofs)
		}
		if p.nextFree.prevFree != p {
			return errors.Errorf("block at offset %d lists a next free block whose reverse reference is broken", p.ofs)
		}
		freeListCount++
	}

	if freeListCount != freeCount || freeCount != h.freeCount {
		return errors.Errorf("the heap has %d free blocks, but the free list has %d and the heap's count is %d", freeCount, freeListCount, h.freeCount)
	}
	if allocCount != h.allocCount || allocCount != h.allocated.Count() {
		return errors.Errorf("the heap's allocation count is %d, but there were %d allocated blocks", h.allocCount, allocCount)
	}
	if allocBytes != h.allocBytes {
		return errors.Errorf("the heap's allocated size is %d, but the allocated blocks add up to %d", h.allocBytes, allocBytes)
	}

	return nil
}

func (h *Heap) AddStatistics(stats *pb.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += h.size
	stats.AllocationCount += h.allocCount
	stats.AllocationBytes += h.allocBytes
}

func (h *Heap) AddDetailedStatistics(stats *pb.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += h.size

	for p := h.sentinel.next; p != &h.sentinel; p = p.next {
		if p.free {
			stats.AddUnusedRange(p.size)
		} else {
			stats.AddAllocation(p.size)
		}
	}
}

// VisitAllBlocks calls handleBlock for every block in address order, stopping at the first error
func (h *Heap) VisitAllBlocks(handleBlock func(block *Block) error) error {
	for p := h.sentinel.next; p != &h.sentinel; p = p.next {
		err := handleBlock(p)
		if err != nil {
			return err
		}
	}

	return nil
}

func blockType(b *Block) string {
	switch {
	case b.free:
		return "Free"
	case b.reserved:
		return "Reserved"
	default:
		return "Allocated"
	}
}

// PrintDetailedMap writes the heap's totals and every block to json
func (h *Heap) PrintDetailedMap(json *jwriter.ObjectState) {
	var stats pb.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	json.Name("Offset").Int(h.start)
	json.Name("TotalBytes").Int(h.size)
	json.Name("UnusedBytes").Int(stats.BlockBytes - stats.AllocationBytes)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)

	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	for p := h.sentinel.next; p != &h.sentinel; p = p.next {
		obj := arrayState.Object()
		obj.Name("Offset").Int(p.ofs)
		obj.Name("Type").String(blockType(p))
		obj.Name("Size").Int(p.size)
		obj.End()
	}
}

// Dump logs every block of the heap at debug level
func (h *Heap) Dump(logger *slog.Logger) {
	logger.LogAttrs(context.Background(), slog.LevelDebug, "heap",
		slog.Int("offset", h.start),
		slog.Int("size", h.size),
		slog.Int("allocations", h.allocCount),
		slog.Int("freeBlocks", h.freeCount),
	)

	for p := h.sentinel.next; p != &h.sentinel; p = p.next {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "heap block",
			slog.Int("offset", p.ofs),
			slog.Int("size", p.size),
			slog.String("type", blockType(p)),
		)
	}

	for p := h.sentinel.nextFree; p != &h.sentinel; p = p.nextFree {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "heap free list",
			slog.Int("offset", p.ofs),
			slog.Int("size", p.size),
		)
	}
}
