package pb

import "math"

// Statistics summarizes the memory held by a manager. BlockCount and BlockBytes count backing
// allocations obtained from a provider, such as heaps, slabs and pools. AllocationCount and
// AllocationBytes count the buffers carved out of them.
type Statistics struct {
	BlockCount      int
	BlockBytes      int
	AllocationCount int
	AllocationBytes int
}

// Clear zeroes every counter
func (s *Statistics) Clear() {
	*s = Statistics{}
}

// AddStatistics accumulates other into s. Managers that own several heaps or slabs call this
// once per backing block.
func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.BlockBytes += other.BlockBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with the size ranges of allocations and of unused regions.
// Call Clear before accumulating into it, so the minimums start out at math.MaxInt.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

// AddUnusedRange records a free region of the given size
func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, size)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, size)
}

// AddAllocation records a live buffer of the given size. It does not touch the block counters.
func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	s.AllocationSizeMin = min(s.AllocationSizeMin, size)
	s.AllocationSizeMax = max(s.AllocationSizeMax, size)
}
