package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"marketfeed/logger"
)

// ReportSource contributes pipeline counters to the runtime report.
type ReportSource func() logger.Fields

// Resources is a point-in-time view of host usage.
type Resources struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemoryMB     float64 `json:"memory_mb"`
	DiskMB       float64 `json:"disk_mb"`
	Goroutines   int     `json:"goroutines"`
	NetBytesSent uint64  `json:"net_bytes_sent"`
	NetBytesRecv uint64  `json:"net_bytes_recv"`
}

// SampleResources reads host usage. Probes that fail leave their field at zero.
func SampleResources() Resources {
	r := Resources{Goroutines: runtime.NumGoroutine()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.MemoryMB = float64(vm.Used) / 1024 / 1024
	}
	if du, err := disk.Usage("/"); err == nil {
		r.DiskMB = float64(du.Used) / 1024 / 1024
	}
	if io, err := gnet.IOCounters(false); err == nil && len(io) > 0 {
		r.NetBytesSent = io[0].BytesSent
		r.NetBytesRecv = io[0].BytesRecv
	}
	return r
}

// StartReport logs a runtime report every interval until ctx is cancelled.
func StartReport(ctx context.Context, log *logger.Log, interval time.Duration, sources ...ReportSource) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log, sources)
			}
		}
	}()
}

func logReport(ctx context.Context, log *logger.Log, sources []ReportSource) {
	res := SampleResources()

	fields := logger.Fields{
		"goroutines":     res.Goroutines,
		"cpu_percent":    res.CPUPercent,
		"memory_mb":      int64(res.MemoryMB),
		"disk_mb":        int64(res.DiskMB),
		"net_bytes_sent": int64(res.NetBytesSent),
		"net_bytes_recv": int64(res.NetBytesRecv),
		"log_levels":     logger.Counts(),
	}
	for _, src := range sources {
		for k, v := range src() {
			fields[k] = v
		}
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	dim := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String("report")}}
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("cpu_percent"), Dimensions: dim, Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(res.CPUPercent)},
		{MetricName: aws.String("memory_mb"), Dimensions: dim, Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(res.MemoryMB)},
		{MetricName: aws.String("disk_mb"), Dimensions: dim, Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(res.DiskMB)},
		{MetricName: aws.String("goroutines"), Dimensions: dim, Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(res.Goroutines))},
		{MetricName: aws.String("net_bytes_sent"), Dimensions: dim, Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(res.NetBytesSent))},
		{MetricName: aws.String("net_bytes_recv"), Dimensions: dim, Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(res.NetBytesRecv))},
	}
	publishMetricsFunc(ctx, state, data)
}
