// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package statslogger periodically writes a digest of the daemon's
// statistics and memory footprint to the log, both as absolute totals
// and as deltas from the previous period.
package statslogger

import (
	"runtime"
	"time"

	"github.com/NVIDIA/quotamgr/conf"
	"github.com/NVIDIA/quotamgr/logger"
	"github.com/NVIDIA/quotamgr/qvol"
	"github.com/NVIDIA/quotamgr/stats"
	"github.com/NVIDIA/quotamgr/transitions"
)

type globalsStruct struct {
	collectChan    <-chan time.Time // time to sample volume handle counts
	logChan        <-chan time.Time // time to log statistics
	stopChan       chan bool        // time to shutdown and go home
	doneChan       chan bool        // shutdown complete
	statsLogPeriod time.Duration    // time between statistics logging
	collectTicker  *time.Ticker     // ticker for collectChan (if any)
	logTicker      *time.Ticker     // ticker for logChan (if any)
}

var globals globalsStruct

func init() {
	transitions.Register("statslogger", &globals)
}

func parseConfMap(confMap conf.ConfMap) (err error) {
	globals.statsLogPeriod, err = confMap.FetchOptionValueDuration("StatsLogger", "Period")
	if err != nil {
		globals.statsLogPeriod = 0 // disabled unless configured
	}

	// statsLogPeriod must be >= 1 sec, except 0 means disabled
	if globals.statsLogPeriod < time.Second && globals.statsLogPeriod != 0 {
		logger.Warnf("config variable 'StatsLogger.Period' value is non-zero and less than 1 sec; defaulting to '10m'")
		globals.statsLogPeriod = time.Duration(10 * time.Minute)
	}

	err = nil
	return
}

// Up initializes the package and must successfully return before any API
// functions are invoked
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	err = parseConfMap(confMap)
	if err != nil {
		return
	}

	if globals.statsLogPeriod == 0 {
		return
	}

	// sample outstanding volume handles once per second
	globals.collectTicker = time.NewTicker(1 * time.Second)
	globals.collectChan = globals.collectTicker.C

	// record statistics in the log periodically
	globals.logTicker = time.NewTicker(globals.statsLogPeriod)
	globals.logChan = globals.logTicker.C

	globals.stopChan = make(chan bool)
	globals.doneChan = make(chan bool)

	go statsLogger()
	return
}

func (dummy *globalsStruct) VolumeAttached(confMap conf.ConfMap, volumeName string) (err error) {
	return nil
}

func (dummy *globalsStruct) VolumeDetached(confMap conf.ConfMap, volumeName string) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

// SignaledFinish applies the new log period; if it changed, the old
// logger is shut down and a fresh one started.
func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	oldLogPeriod := globals.statsLogPeriod
	err = parseConfMap(confMap)
	if err != nil {
		logger.ErrorWithError(err, "cannot parse confMap")
		if oldLogPeriod != 0 {
			globals.stopChan <- true
			_ = <-globals.doneChan
		}
		return
	}

	// if no change required, just return
	if globals.statsLogPeriod == oldLogPeriod {
		return
	}

	logger.Infof("statslogger log period changing from %d sec to %d sec",
		oldLogPeriod/time.Second, globals.statsLogPeriod/time.Second)
	if oldLogPeriod != 0 {
		globals.stopChan <- true
		_ = <-globals.doneChan
	}

	err = dummy.Up(confMap)
	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	logger.Infof("statslogger.Down() called")
	if globals.statsLogPeriod != 0 {
		globals.stopChan <- true
		_ = <-globals.doneChan
	}

	// err is already nil
	return
}

// outstandingHandles counts the volume handles currently held across all
// registered volumes.
func outstandingHandles() (handleCount int64) {
	for _, report := range qvol.GetVolumeReports() {
		handleCount += int64(report.RefCount)
	}
	return
}

// the statsLogger samples the outstanding handle count every collectChan
// tick and then logs a batch of statistics, including the handle samples,
// every logChan tick ("StatsLogger.Period" in the conf file).
func statsLogger() {
	var (
		handleStats SimpleStats
		oldStatsMap map[string]uint64
		newStatsMap map[string]uint64
		oldMemStats runtime.MemStats
		newMemStats runtime.MemStats
	)

	handleStats.Clear()
	handleStats.Sample(outstandingHandles())

	// memstats "stops the world"
	oldStatsMap = stats.Dump()
	runtime.ReadMemStats(&oldMemStats)

	// print an initial round of absolute stats
	logStats("total", &handleStats, &oldMemStats, oldStatsMap)

mainloop:
	for stopRequest := false; !stopRequest; {
		select {
		case <-globals.stopChan:
			// print final stats and then exit
			stopRequest = true

		case <-globals.collectChan:
			handleStats.Sample(outstandingHandles())
			continue mainloop

		case <-globals.logChan:
			// fall through to do the logging
		}

		newStatsMap = stats.Dump()
		runtime.ReadMemStats(&newMemStats)

		// collect an extra handle sample to ensure we have at least one
		handleStats.Sample(outstandingHandles())

		// print absolute stats and then deltas
		logStats("total", &handleStats, &newMemStats, newStatsMap)

		oldMemStats.Sys = newMemStats.Sys - oldMemStats.Sys
		oldMemStats.TotalAlloc = newMemStats.TotalAlloc - oldMemStats.TotalAlloc
		oldMemStats.HeapInuse = newMemStats.HeapInuse - oldMemStats.HeapInuse
		oldMemStats.HeapIdle = newMemStats.HeapIdle - oldMemStats.HeapIdle
		oldMemStats.HeapReleased = newMemStats.HeapReleased - oldMemStats.HeapReleased
		oldMemStats.StackSys = newMemStats.StackSys - oldMemStats.StackSys
		oldMemStats.MSpanSys = newMemStats.MSpanSys - oldMemStats.MSpanSys
		oldMemStats.MCacheSys = newMemStats.MCacheSys - oldMemStats.MCacheSys
		oldMemStats.BuckHashSys = newMemStats.BuckHashSys - oldMemStats.BuckHashSys
		oldMemStats.GCSys = newMemStats.GCSys - oldMemStats.GCSys
		oldMemStats.OtherSys = newMemStats.OtherSys - oldMemStats.OtherSys

		oldMemStats.NextGC = newMemStats.NextGC - oldMemStats.NextGC
		oldMemStats.NumGC = newMemStats.NumGC - oldMemStats.NumGC
		oldMemStats.NumForcedGC = newMemStats.NumForcedGC - oldMemStats.NumForcedGC
		oldMemStats.PauseTotalNs = newMemStats.PauseTotalNs - oldMemStats.PauseTotalNs
		oldMemStats.GCCPUFraction = newMemStats.GCCPUFraction - oldMemStats.GCCPUFraction

		for key := range newStatsMap {
			oldStatsMap[key] = newStatsMap[key] - oldStatsMap[key]
		}
		logStats("delta", nil, &oldMemStats, oldStatsMap)

		oldMemStats = newMemStats
		oldStatsMap = newStatsMap

		// clear the handle samples
		handleStats.Clear()
	}

	globals.doneChan <- true
	return
}

// Write interesting statistics to the log in a semi-human readable format
//
// statsType is "total" or "delta" indicating whether statsMap and memStats are
// absolute or relative to the previous sample (doesn't apply to handleStats,
// though it can be nil).
func logStats(statsType string, handleStats *SimpleStats, memStats *runtime.MemStats, statsMap map[string]uint64) {

	// if we have handle samples, log them
	if handleStats != nil {
		logger.Infof("OutstandingVolumeHandles: min=%d mean=%d max=%d samples=%d",
			handleStats.Min(), handleStats.Mean(), handleStats.Max(), handleStats.Samples())
	}

	// memory allocation info (see runtime.MemStats for definitions)
	logger.Infof("Memory in Kibyte (%s): Sys=%d StackSys=%d MSpanSys=%d MCacheSys=%d BuckHashSys=%d GCSys=%d OtherSys=%d",
		statsType,
		int64(memStats.Sys)/1024, int64(memStats.StackSys)/1024,
		int64(memStats.MSpanSys)/1024, int64(memStats.MCacheSys)/1024,
		int64(memStats.BuckHashSys)/1024, int64(memStats.GCSys)/1024, int64(memStats.OtherSys)/1024)
	logger.Infof("Memory in Kibyte (%s): HeapInuse=%d HeapIdle=%d HeapReleased=%d Cumulative TotalAlloc=%d",
		statsType,
		int64(memStats.HeapInuse)/1024, int64(memStats.HeapIdle)/1024,
		int64(memStats.HeapReleased)/1024, int64(memStats.TotalAlloc)/1024)
	logger.Infof("GC Stats (%s): NumGC=%d  NumForcedGC=%d  NextGC=%d KiB  PauseTotalMsec=%d  GC_CPU=%4.2f%%",
		statsType,
		memStats.NumGC, memStats.NumForcedGC, int64(memStats.NextGC)/1024,
		memStats.PauseTotalNs/1000000, memStats.GCCPUFraction*100)

	// selected quota control plane statistics; consolidate the per-opcode
	// dispatch counters into query and modify groups
	dispatchQueryOps := (statsMap[stats.DispatchGetFormatOps] + statsMap[stats.DispatchGetInfoOps] +
		statsMap[stats.DispatchGetLimitsUsageOps] + statsMap[stats.DispatchExtGetLimitsUsageOps] +
		statsMap[stats.DispatchExtGetStatOps] + statsMap[stats.DispatchExtGetStatVOps])
	dispatchModifyOps := (statsMap[stats.DispatchQuotaOnOps] + statsMap[stats.DispatchQuotaOffOps] +
		statsMap[stats.DispatchSetInfoOps] + statsMap[stats.DispatchSetLimitsUsageOps] +
		statsMap[stats.DispatchExtQuotaOnOps] + statsMap[stats.DispatchExtQuotaOffOps] +
		statsMap[stats.DispatchExtSetLimitsUsageOps] + statsMap[stats.DispatchExtRemoveOps])
	dispatchSyncOps := (statsMap[stats.DispatchSyncOps] + statsMap[stats.DispatchSyncAllOps] +
		statsMap[stats.DispatchExtSyncNoopOps])

	logger.Infof("Dispatch Ops (%s): QueryOps=%d ModifyOps=%d SyncOps=%d AuthDenied=%d NotFound=%d Errors=%d",
		statsType, dispatchQueryOps, dispatchModifyOps, dispatchSyncOps,
		statsMap[stats.DispatchAuthDenied], statsMap[stats.DispatchDeviceNotFound], statsMap[stats.DispatchErrors])
	logger.Infof("Server Ops (%s): RpcRequests=%d RpcErrors=%d RpcConnections=%d HTTPRequests=%d HTTPErrors=%d FreezeOps=%d ThawOps=%d",
		statsType, statsMap[stats.RpcRequests], statsMap[stats.RpcErrors], statsMap[stats.RpcConnections],
		statsMap[stats.HTTPRequests], statsMap[stats.HTTPErrors],
		statsMap[stats.VolumeFreezeOps], statsMap[stats.VolumeThawOps])
}
