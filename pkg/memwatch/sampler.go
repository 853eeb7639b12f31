// Package memwatch 周期性采样当前进程的常驻内存（RSS），暴露运行期间的峰值。
package memwatch

import (
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultInterval 是采样周期。
const DefaultInterval = 100 * time.Millisecond

// Sampler 在独立 goroutine 中按固定间隔读取进程 RSS，峰值单调不减。
// PeakMB 的读取是无锁的（atomic 保存 float64 位模式）。
type Sampler struct {
	proc     *process.Process
	interval time.Duration
	peakBits atomic.Uint64
	sampled  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Start 创建采样器并立即采样一次，然后启动后台采样循环。
func Start(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sampler{
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	}
	s.sample()

	go s.loop()
	return s
}

func (s *Sampler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.stop:
			return
		}
	}
}

// sample 读取一次 RSS 并更新峰值。读取失败时跳过本次采样。
func (s *Sampler) sample() {
	if s.proc == nil {
		return
	}
	info, err := s.proc.MemoryInfo()
	if err != nil || info == nil {
		return
	}
	mb := float64(info.RSS) / (1024 * 1024)
	for {
		old := s.peakBits.Load()
		if mb <= math.Float64frombits(old) && s.sampled.Load() {
			return
		}
		if s.peakBits.CompareAndSwap(old, math.Float64bits(math.Max(mb, math.Float64frombits(old)))) {
			s.sampled.Store(true)
			return
		}
	}
}

// PeakMB 返回迄今观察到的峰值 RSS（MB）。第二个返回值为 false 表示平台指标不可读，
// 调用方应当省略该字段而不是上报零值。
func (s *Sampler) PeakMB() (float64, bool) {
	if !s.sampled.Load() {
		return 0, false
	}
	return math.Float64frombits(s.peakBits.Load()), true
}

// Stop 结束采样循环并在退出前补一次最终采样。
// 最多等待一个采样周期即可返回。
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.sample()
}
