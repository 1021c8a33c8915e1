// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package stats provides a simple statsd client API.
package stats

import (
	"sync"
)

func (ms MultipleStat) findStatStrings(numBytes uint64) (ops *string, bytes *string, bbytes *string) {
	switch ms {
	case QuotaCtlRequest:
		// quota control requests use operations, op bucketed bytes, and bytes stats
		ops = &QuotaCtlRequestOps
		bytes = &QuotaCtlRequestBytes
		if numBytes <= 64 {
			bbytes = &QuotaCtlRequestOps64
		} else if numBytes <= 128 {
			bbytes = &QuotaCtlRequestOps128
		} else if numBytes <= 256 {
			bbytes = &QuotaCtlRequestOps256
		} else {
			bbytes = &QuotaCtlRequestOpsOver256
		}
	case QuotaCtlReply:
		// quota control replies use operations, op bucketed bytes, and bytes stats
		ops = &QuotaCtlReplyOps
		bytes = &QuotaCtlReplyBytes
		if numBytes <= 64 {
			bbytes = &QuotaCtlReplyOps64
		} else if numBytes <= 128 {
			bbytes = &QuotaCtlReplyOps128
		} else if numBytes <= 256 {
			bbytes = &QuotaCtlReplyOps256
		} else {
			bbytes = &QuotaCtlReplyOpsOver256
		}
	case CompatCtlRequest:
		// compat quota control requests use operations and bytes stats
		ops = &CompatCtlRequestOps
		bytes = &CompatCtlRequestBytes
	case CompatCtlReply:
		// compat quota control replies use operations and bytes stats
		ops = &CompatCtlReplyOps
		bytes = &CompatCtlReplyBytes
	}
	return
}

func dump() (statMap map[string]uint64) {
	globals.Lock()
	numStats := len(globals.statFullMap)
	statMap = make(map[string]uint64, numStats)
	for statKey, statValue := range globals.statFullMap {
		statMap[statKey] = statValue
	}
	globals.Unlock()
	return
}

var statStructPool sync.Pool = sync.Pool{
	New: func() interface{} {
		return &statStruct{}
	},
}

func incrementSomething(statName *string, incBy uint64) {
	if incBy == 0 {
		// No point in incrementing by zero
		return
	}

	// if stats are not enabled yet, just ignore (reduce a window while
	// stats are shutting down by saving the channel to a local variable)
	statChan := globals.statChan
	if statChan == nil {
		return
	}

	stat := statStructPool.Get().(*statStruct)
	stat.name = statName
	stat.increment = incBy
	statChan <- stat
}

func incrementOperations(statName *string) {
	incrementSomething(statName, 1)
}

func incrementOperationsBy(statName *string, incBy uint64) {
	incrementSomething(statName, incBy)
}

func incrementOperationsAndBytes(stat MultipleStat, bytes uint64) {
	opsStat, bytesStat, _ := stat.findStatStrings(bytes)
	incrementSomething(opsStat, 1)
	incrementSomething(bytesStat, bytes)
}

func incrementOperationsAndBucketedBytes(stat MultipleStat, bytes uint64) {
	opsStat, bytesStat, bbytesStat := stat.findStatStrings(bytes)
	incrementSomething(opsStat, 1)
	incrementSomething(bytesStat, bytes)
	incrementSomething(bbytesStat, 1)
}
