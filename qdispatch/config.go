// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package qdispatch

import (
	"github.com/NVIDIA/quotamgr/bucketstats"
	"github.com/NVIDIA/quotamgr/conf"
	"github.com/NVIDIA/quotamgr/trackedlock"
	"github.com/NVIDIA/quotamgr/transitions"
)

type metricsStruct struct {
	QuotaCtlOps      bucketstats.Total
	QuotaCtlUsecs    bucketstats.BucketLog2Round
	ReadClassOps     bucketstats.Total
	WriteClassOps    bucketstats.Total
	LimitsLookupOps  bucketstats.Total
	SyncOps          bucketstats.Total
	BroadcastSyncOps bucketstats.Total
	ErrorOps         bucketstats.Total
}

type globalsStruct struct {
	trackedlock.Mutex // protects securityHook

	securityHook SecurityHook
	metrics      metricsStruct
}

var globals globalsStruct

func init() {
	transitions.Register("qdispatch", &globals)
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	globals.metrics = metricsStruct{}
	bucketstats.Register("quotamgr", "qdispatch", &globals.metrics)
	err = nil
	return
}

func (dummy *globalsStruct) VolumeAttached(confMap conf.ConfMap, volumeName string) (err error) {
	err = nil
	return
}

func (dummy *globalsStruct) VolumeDetached(confMap conf.ConfMap, volumeName string) (err error) {
	err = nil
	return
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	err = nil
	return
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	err = nil
	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	bucketstats.UnRegister("quotamgr", "qdispatch")
	globals.Lock()
	globals.securityHook = nil
	globals.Unlock()
	err = nil
	return
}
