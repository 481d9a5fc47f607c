package app

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/talkincode/wanotify/internal/metrics"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, err := time.LoadLocation(a.appConfig.System.Location)
	if err != nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	sweep := a.appConfig.Instance.SweepInterval
	if sweep <= 0 {
		sweep = 30 * time.Minute
	}
	_, err = a.sched.AddFunc("@every "+sweep.String(), a.SchedSweepTask)
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	if spec := a.appConfig.Queue.DrainCron; spec != "" {
		_, err = a.sched.AddFunc(spec, a.SchedDrainTask)
		if err != nil {
			zap.S().Errorf("init drain job error %s", err.Error())
		}
	}

	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedSystemMonitorTask()
		go a.SchedProcessMonitorTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSweepTask force-cleans handles whose driver died without an event.
func (a *Application) SchedSweepTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if n := a.instances.Sweep(ctx); n > 0 {
		zap.L().Info("sweep: cleaned dead instances", zap.Int("count", n))
	}
}

// SchedDrainTask drains every tenant's pending queue once.
func (a *Application) SchedDrainTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	results, err := a.queue.DrainAll(ctx, a.appConfig.Queue.DrainLimit)
	if err != nil {
		zap.L().Error("drain: run failed", zap.Error(err))
	}
	sent := 0
	for _, res := range results {
		sent += res.Sent()
	}
	if sent > 0 {
		zap.L().Info("drain: run finished", zap.Int("tenants", len(results)), zap.Int("sent", sent))
	}
}

// SchedSystemMonitorTask system monitor
func (a *Application) SchedSystemMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	_cpuuse, err := cpu.Percent(0, false)
	if err == nil && len(_cpuuse) > 0 {
		metrics.SetResourceUsage("system", "cpu_percent", _cpuuse[0])
	}

	_meminfo, err := mem.VirtualMemory()
	if err == nil {
		metrics.SetResourceUsage("system", "memory_mb", float64(_meminfo.Used/1024/1024))
	}
}

// SchedProcessMonitorTask app process monitor
func (a *Application) SchedProcessMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	p, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // G115: PID is always within int32 range
	if err != nil {
		return
	}

	cpuuse, err := p.CPUPercent()
	if err == nil {
		metrics.SetResourceUsage("process", "cpu_percent", cpuuse)
	}

	meminfo, err := p.MemoryInfo()
	if err == nil {
		metrics.SetResourceUsage("process", "memory_mb", float64(meminfo.RSS/1024/1024))
	}
}
