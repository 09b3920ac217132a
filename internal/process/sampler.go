package process

import (
	"sync"
	"time"

	psprocess "github.com/shirou/gopsutil/v4/process"
)

// Stats summarises resource usage observed while a process ran.
type Stats struct {
	// PeakRSS is the highest resident set size seen, including child processes.
	PeakRSS uint64
	// CPUTime is user+system CPU time at the last successful sample.
	CPUTime time.Duration
	Samples int
}

// Sampler polls a process's memory and CPU usage until stopped.
type Sampler struct {
	pid      int32
	interval time.Duration

	mu    sync.Mutex
	stats Stats

	stop chan struct{}
	done chan struct{}
}

// NewSampler creates a sampler for pid.
func NewSampler(pid int32, interval time.Duration) *Sampler {
	return &Sampler{
		pid:      pid,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins sampling in the background.
func (s *Sampler) Start() {
	go s.loop()
}

// Stop ends sampling and returns the collected stats.
func (s *Sampler) Stop() Stats {
	close(s.stop)
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Sampler) loop() {
	defer close(s.done)

	proc, err := psprocess.NewProcess(s.pid)
	if err != nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample(proc)
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sample(proc)
		}
	}
}

func (s *Sampler) sample(proc *psprocess.Process) {
	rss := residentBytes(proc)
	if children, err := proc.Children(); err == nil {
		for _, child := range children {
			rss += residentBytes(child)
		}
	}

	var cpu time.Duration
	if times, err := proc.Times(); err == nil {
		cpu = time.Duration((times.User + times.System) * float64(time.Second))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Samples++
	if rss > s.stats.PeakRSS {
		s.stats.PeakRSS = rss
	}
	if cpu > 0 {
		s.stats.CPUTime = cpu
	}
}

func residentBytes(proc *psprocess.Process) uint64 {
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return 0
	}
	return mem.RSS
}
