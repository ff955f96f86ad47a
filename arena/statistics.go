package arena

// Statistics is a coarse roll-up of arena occupancy, suitable for budget
// telemetry. ChunkBytes counts platform allocations; AllocationBytes counts the
// bytes actually doled out to live blocks.
type Statistics struct {
	ChunkCount      int
	AllocationCount int
	ChunkBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.ChunkCount = 0
	s.AllocationCount = 0
	s.ChunkBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ChunkCount += other.ChunkCount
	s.AllocationCount += other.AllocationCount
	s.ChunkBytes += other.ChunkBytes
	s.AllocationBytes += other.AllocationBytes
}
