package executor

import (
	"fmt"
	"time"
)

// threadContext is the state of one worker goroutine.
type threadContext struct {
	num  int
	node *node

	executionTime  time.Duration
	processingTime time.Duration
	waitTime       time.Duration
	totalTime      time.Duration

	exception errorSlot
}

func (c *threadContext) hasTask() bool { return c.node != nil }

// ThreadStats is the timing breakdown of one worker goroutine.
type ThreadStats struct {
	Thread         int           `json:"thread"`
	TotalTime      time.Duration `json:"total_time_ns"`
	ExecutionTime  time.Duration `json:"execution_time_ns"`
	ProcessingTime time.Duration `json:"processing_time_ns"`
	WaitTime       time.Duration `json:"wait_time_ns"`
}

func (s ThreadStats) String() string {
	return fmt.Sprintf("total %.6fs, execution %.6fs, processing %.6fs, wait %.6fs",
		s.TotalTime.Seconds(), s.ExecutionTime.Seconds(), s.ProcessingTime.Seconds(), s.WaitTime.Seconds())
}

func (c *threadContext) stats() ThreadStats {
	return ThreadStats{
		Thread:         c.num,
		TotalTime:      c.totalTime,
		ExecutionTime:  c.executionTime,
		ProcessingTime: c.processingTime,
		WaitTime:       c.waitTime,
	}
}
