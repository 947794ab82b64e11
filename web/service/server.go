package service

import (
	"runtime"
	"strconv"
	"time"

	"certdesk/logger"
	"certdesk/storage"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Status aggregates host and application state for the dashboard status
// card and the status API.
type Status struct {
	T        time.Time `json:"-"`
	Cpu      float64   `json:"cpu"`
	CpuCores int       `json:"cpuCores"`
	Mem      struct {
		Current uint64 `json:"current"`
		Total   uint64 `json:"total"`
	} `json:"mem"`
	Swap struct {
		Current uint64 `json:"current"`
		Total   uint64 `json:"total"`
	} `json:"swap"`
	Disk struct {
		Current uint64 `json:"current"`
		Total   uint64 `json:"total"`
	} `json:"disk"`
	Uptime   uint64    `json:"uptime"`
	Loads    []float64 `json:"loads"`
	AppStats struct {
		Threads uint32 `json:"threads"`
		Mem     uint64 `json:"mem"`
		Uptime  uint64 `json:"uptime"`
	} `json:"appStats"`
	Certificates int64  `json:"certificates"`
	Orphans      int    `json:"orphans"`
	MissingFiles int    `json:"missingFiles"`
	StoreBytes   uint64 `json:"storeBytes"`
}

// ServerService collects system status for the admin dashboard. Disk usage
// is measured on the volume holding the certificate store.
type ServerService struct {
	store              *storage.DiskStore
	certificateService *CertificateService
	startedAt          time.Time
}

// NewServerService creates a ServerService for the given store.
func NewServerService(store *storage.DiskStore, certificateService *CertificateService) *ServerService {
	return &ServerService{
		store:              store,
		certificateService: certificateService,
		startedAt:          time.Now(),
	}
}

// GetStatus samples host metrics and store counters. Individual probe
// failures are logged and leave their fields zeroed rather than failing the
// whole snapshot.
func (s *ServerService) GetStatus() *Status {
	status := &Status{T: time.Now()}

	percents, err := cpu.Percent(0, false)
	if err != nil {
		logger.Warning("get cpu percent failed:", err)
	} else if len(percents) > 0 {
		status.Cpu = percents[0]
	}

	cores, err := cpu.Counts(false)
	if err != nil {
		logger.Warning("get cpu cores failed:", err)
	} else {
		status.CpuCores = cores
	}

	upTime, err := host.Uptime()
	if err != nil {
		logger.Warning("get uptime failed:", err)
	} else {
		status.Uptime = upTime
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		logger.Warning("get virtual memory failed:", err)
	} else {
		status.Mem.Current = memInfo.Used
		status.Mem.Total = memInfo.Total
	}

	swapInfo, err := mem.SwapMemory()
	if err != nil {
		logger.Warning("get swap memory failed:", err)
	} else {
		status.Swap.Current = swapInfo.Used
		status.Swap.Total = swapInfo.Total
	}

	diskInfo, err := disk.Usage(s.store.Root())
	if err != nil {
		logger.Warning("get disk usage failed:", err)
	} else {
		status.Disk.Current = diskInfo.Used
		status.Disk.Total = diskInfo.Total
	}

	avgState, err := load.Avg()
	if err != nil {
		logger.Warning("get load avg failed:", err)
	} else {
		status.Loads = []float64{avgState.Load1, avgState.Load5, avgState.Load15}
	}

	var rtm runtime.MemStats
	runtime.ReadMemStats(&rtm)
	status.AppStats.Mem = rtm.Sys
	status.AppStats.Threads = uint32(runtime.NumGoroutine())
	status.AppStats.Uptime = uint64(time.Since(s.startedAt).Seconds())

	total, err := s.certificateService.CountCertificates()
	if err != nil {
		logger.Warning("count certificates failed:", err)
	} else {
		status.Certificates = total
	}

	orphans, err := s.certificateService.CountOrphans()
	if err != nil {
		logger.Warning("count orphans failed:", err)
	} else {
		status.Orphans = orphans
	}

	missing, err := s.certificateService.CountMissingFiles()
	if err != nil {
		logger.Warning("count missing files failed:", err)
	} else {
		status.MissingFiles = missing
	}

	names, err := s.store.List()
	if err != nil {
		logger.Warning("list store failed:", err)
	} else {
		var sum uint64
		for _, name := range names {
			if size, err := s.store.Size(name); err == nil {
				sum += uint64(size)
			}
		}
		status.StoreBytes = sum
	}

	return status
}

// GetLogs returns the most recent buffered log lines at or above the given
// level.
func (s *ServerService) GetLogs(count string, level string) []string {
	c, err := strconv.Atoi(count)
	if err != nil || c <= 0 {
		c = 50
	}
	return logger.GetLogs(c, level)
}
