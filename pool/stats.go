package pool

import (
	"sync"
	"time"
)

// CounterStats tracks a value that goes up and down, remembering the
// maximum and the total number of increments.
type CounterStats struct {
	stateLock sync.Mutex
	current   int64
	max       int64
	total     int64
}

func (self *CounterStats) Increment() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.current += 1
	self.total += 1
	if self.max < self.current {
		self.max = self.current
	}
	return self.current
}

func (self *CounterStats) Decrement() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.current -= 1
	return self.current
}

func (self *CounterStats) Current() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.current
}

func (self *CounterStats) Max() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.max
}

func (self *CounterStats) Total() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.total
}

func (self *CounterStats) Reset(value int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.current = value
	self.max = value
	self.total = 0
}

// SampleStats records duration samples, tracking count, mean and max.
type SampleStats struct {
	stateLock sync.Mutex
	count     int64
	total     time.Duration
	max       time.Duration
}

func (self *SampleStats) Record(sample time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.count += 1
	self.total += sample
	if self.max < sample {
		self.max = sample
	}
}

func (self *SampleStats) Count() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.count
}

func (self *SampleStats) Mean() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.count == 0 {
		return 0
	}
	return self.total / time.Duration(self.count)
}

func (self *SampleStats) Max() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.max
}

func (self *SampleStats) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.count = 0
	self.total = 0
	self.max = 0
}
