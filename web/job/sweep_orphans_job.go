// Package job contains the background jobs scheduled by the web server.
package job

import (
	"time"

	"certdesk/logger"
	"certdesk/web/service"

	"go.uber.org/atomic"
)

// SweepOrphansJob periodically removes files no certificate record points
// at, plus abandoned uploads in the staging area. Such files appear when a
// batch dies between staging and commit.
type SweepOrphansJob struct {
	certificateService *service.CertificateService
	grace              time.Duration

	running atomic.Bool // Guards against overlapping sweeps
}

func NewSweepOrphansJob(certificateService *service.CertificateService, grace time.Duration) *SweepOrphansJob {
	return &SweepOrphansJob{
		certificateService: certificateService,
		grace:              grace,
	}
}

// Here Run is an interface method of the Job interface
func (j *SweepOrphansJob) Run() {
	if !j.running.CompareAndSwap(false, true) {
		logger.Debug("orphan sweep still running, skipping this tick")
		return
	}
	defer j.running.Store(false)

	removed, err := j.certificateService.SweepOrphans(j.grace)
	if err != nil {
		logger.Warning("orphan sweep err:", err)
		return
	}
	if removed > 0 {
		logger.Infof("orphan sweep removed %d stale file(s)", removed)
	}
}
