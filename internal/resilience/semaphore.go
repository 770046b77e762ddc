package resilience

import "sync"

// Semaphore is a counting semaphore bounding in-flight batches. Acquisition
// is always non-blocking: batch formation holds the queue lock while it
// grabs a permit, so a blocking acquire has no caller.
type Semaphore struct {
	mu       sync.Mutex
	capacity int
	inUse    int
}

// NewSemaphore creates a semaphore with the given capacity (minimum 1).
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{capacity: capacity}
}

// TryAcquire attempts to take a permit without blocking.
// Returns true if acquired, false if the semaphore is at capacity.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inUse < s.capacity {
		s.inUse++
		return true
	}
	return false
}

// Release returns a permit. Releasing an idle semaphore is a no-op.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inUse > 0 {
		s.inUse--
	}
}

// InUse returns the number of permits currently held.
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Capacity returns the semaphore capacity.
func (s *Semaphore) Capacity() int {
	return s.capacity
}

// Available returns the number of free permits.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity - s.inUse
}
