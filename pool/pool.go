// Package pool runs connection callbacks and other jobs on a fixed set
// of workers, recording queue and task statistics as it goes.
package pool

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymesh/server"
)

var queuedGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "relaymesh",
		Subsystem: "pool",
		Name:      "queued_jobs",
		Help:      "Number of jobs waiting for a worker",
	},
)

var busyGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "relaymesh",
		Subsystem: "pool",
		Name:      "busy_workers",
		Help:      "Number of workers running a job",
	},
)

var tasksCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "relaymesh",
		Subsystem: "pool",
		Name:      "executed_tasks",
		Help:      "Number of executed tasks",
	},
)

func init() {
	prometheus.MustRegister(queuedGauge, busyGauge, tasksCounter)
}

func DefaultPoolSettings() *PoolSettings {
	return &PoolSettings{
		MaxWorkers: 256,
		QueueSize:  1024,
	}
}

type PoolSettings struct {
	MaxWorkers int
	QueueSize  int
}

type poolJob struct {
	run         func()
	enqueueTime time.Time
}

// MonitoredPool is a fixed size worker pool that monitors its own
// activity: executed task count, maximum busy workers, maximum queue
// size, and queue/task latency.
type MonitoredPool struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *PoolSettings
	queue    chan *poolJob

	queueStats        CounterStats
	queueLatencyStats SampleStats
	taskLatencyStats  SampleStats
	busyStats         CounterStats
}

func NewMonitoredPoolWithDefaults(ctx context.Context) *MonitoredPool {
	return NewMonitoredPool(ctx, DefaultPoolSettings())
}

func NewMonitoredPool(ctx context.Context, settings *PoolSettings) *MonitoredPool {
	cancelCtx, cancel := context.WithCancel(ctx)

	pool := &MonitoredPool{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		queue:    make(chan *poolJob, settings.QueueSize),
	}

	for range settings.MaxWorkers {
		go server.HandleError(pool.work)
	}

	return pool
}

// Execute enqueues a job. A full queue blocks the caller, which is the
// backpressure. After Close the job runs inline so callers are never
// stranded.
func (self *MonitoredPool) Execute(run func()) {
	select {
	case <-self.ctx.Done():
		server.HandleError(run)
		return
	default:
	}

	job := &poolJob{
		run:         run,
		enqueueTime: time.Now(),
	}
	select {
	case <-self.ctx.Done():
		server.HandleError(run)
		return
	case self.queue <- job:
		self.queueStats.Increment()
		queuedGauge.Add(1)
	}
}

func (self *MonitoredPool) work() {
	for {
		select {
		case <-self.ctx.Done():
			// drain jobs that were enqueued while stopping
			for {
				select {
				case job := <-self.queue:
					self.runJob(job)
				default:
					return
				}
			}
		case job := <-self.queue:
			self.runJob(job)
		}
	}
}

func (self *MonitoredPool) runJob(job *poolJob) {
	self.queueStats.Decrement()
	queuedGauge.Sub(1)
	self.queueLatencyStats.Record(time.Since(job.enqueueTime))

	self.busyStats.Increment()
	busyGauge.Add(1)
	startTime := time.Now()
	server.HandleError(job.run)
	self.taskLatencyStats.Record(time.Since(startTime))
	self.busyStats.Decrement()
	busyGauge.Sub(1)
	tasksCounter.Add(1)
}

// the number of tasks executed
func (self *MonitoredPool) Tasks() int64 {
	return self.taskLatencyStats.Count()
}

// the maximum number of simultaneously busy workers
func (self *MonitoredPool) MaxBusyWorkers() int64 {
	return self.busyStats.Max()
}

// the maximum job queue size
func (self *MonitoredPool) MaxQueueSize() int64 {
	return self.queueStats.Max()
}

func (self *MonitoredPool) AverageQueueLatency() time.Duration {
	return self.queueLatencyStats.Mean()
}

func (self *MonitoredPool) MaxQueueLatency() time.Duration {
	return self.queueLatencyStats.Max()
}

func (self *MonitoredPool) AverageTaskLatency() time.Duration {
	return self.taskLatencyStats.Mean()
}

func (self *MonitoredPool) MaxTaskLatency() time.Duration {
	return self.taskLatencyStats.Max()
}

// Reset clears the statistics.
func (self *MonitoredPool) Reset() {
	self.queueStats.Reset(self.queueStats.Current())
	self.busyStats.Reset(self.busyStats.Current())
	self.queueLatencyStats.Reset()
	self.taskLatencyStats.Reset()
}

func (self *MonitoredPool) Close() {
	self.cancel()
}
