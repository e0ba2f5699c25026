package maintenance

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Stats is one system sample.
type Stats struct {
	CPUPercent  float64       `json:"cpu_percent"`
	MemPercent  float64       `json:"mem_percent"`
	DiskPercent float64       `json:"disk_percent"`
	DiskFree    uint64        `json:"disk_free"`
	Uptime      time.Duration `json:"uptime"`
	Goroutines  int           `json:"goroutines"`
}

// String renders the stats on one line.
func (s Stats) String() string {
	return fmt.Sprintf("CPU %.1f%% | RAM %.1f%% | Disk %.1f%% (%s free) | Uptime %s",
		s.CPUPercent, s.MemPercent, s.DiskPercent, humanize.IBytes(s.DiskFree), s.Uptime.Round(time.Minute))
}

type cpuTimes struct{ busy, total float64 }

// Sampler reads /proc for CPU and memory and statfs for disk. CPU% is the
// busy share since the previous sample (or since boot on the first call).
type Sampler struct {
	fs       procfs.FS
	diskPath string
	started  time.Time

	mu   sync.Mutex
	last cpuTimes
}

// NewSampler opens /proc. diskPath selects the filesystem measured for disk%.
func NewSampler(diskPath string) (*Sampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	if diskPath == "" {
		diskPath = "."
	}
	return &Sampler{fs: fs, diskPath: diskPath, started: time.Now()}, nil
}

// Sample collects a Stats. Partial failures leave the field at zero and are
// returned joined in err.
func (s *Sampler) Sample() (Stats, error) {
	st := Stats{Uptime: time.Since(s.started), Goroutines: runtime.NumGoroutine()}
	var errs []error

	if stat, err := s.fs.Stat(); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else {
		c := stat.CPUTotal
		busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
		cur := cpuTimes{busy: busy, total: busy + c.Idle + c.Iowait}
		s.mu.Lock()
		prev := s.last
		s.last = cur
		s.mu.Unlock()
		if dt := cur.total - prev.total; dt > 0 {
			st.CPUPercent = 100 * (cur.busy - prev.busy) / dt
		}
		if stat.BootTime > 0 {
			st.Uptime = time.Since(time.Unix(int64(stat.BootTime), 0))
		}
	}

	if mi, err := s.fs.Meminfo(); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else if mi.MemTotal != nil && mi.MemAvailable != nil && *mi.MemTotal > 0 {
		st.MemPercent = 100 * float64(*mi.MemTotal-*mi.MemAvailable) / float64(*mi.MemTotal)
	}

	var fsStat unix.Statfs_t
	if err := unix.Statfs(s.diskPath, &fsStat); err != nil {
		errs = append(errs, fmt.Errorf("disk: %w", err))
	} else if fsStat.Blocks > 0 {
		bsize := uint64(fsStat.Bsize)
		total := fsStat.Blocks * bsize
		free := fsStat.Bavail * bsize
		st.DiskFree = free
		st.DiskPercent = 100 * float64(total-free) / float64(total)
	}

	if len(errs) > 0 {
		return st, fmt.Errorf("sample stats: %v", errs)
	}
	return st, nil
}
