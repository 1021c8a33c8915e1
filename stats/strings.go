// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stats

// The statsd names of every statistic emitted. All stats are counters.
//
// These are vars rather than consts so that the increment APIs can take a
// *string and avoid copying the name on every call.
var (
	// Dispatcher operation counters, one per quota control operation
	DispatchSyncAllOps           = "quotamgr.dispatch.sync-all.operations"
	DispatchSyncAllVolumes       = "quotamgr.dispatch.sync-all.volumes"
	DispatchQuotaOnOps           = "quotamgr.dispatch.quota-on.operations"
	DispatchQuotaOffOps          = "quotamgr.dispatch.quota-off.operations"
	DispatchGetFormatOps         = "quotamgr.dispatch.get-format.operations"
	DispatchGetInfoOps           = "quotamgr.dispatch.get-info.operations"
	DispatchSetInfoOps           = "quotamgr.dispatch.set-info.operations"
	DispatchGetLimitsUsageOps    = "quotamgr.dispatch.get-limits-usage.operations"
	DispatchSetLimitsUsageOps    = "quotamgr.dispatch.set-limits-usage.operations"
	DispatchSyncOps              = "quotamgr.dispatch.sync.operations"
	DispatchExtQuotaOnOps        = "quotamgr.dispatch.ext-quota-on.operations"
	DispatchExtQuotaOffOps       = "quotamgr.dispatch.ext-quota-off.operations"
	DispatchExtGetLimitsUsageOps = "quotamgr.dispatch.ext-get-limits-usage.operations"
	DispatchExtSetLimitsUsageOps = "quotamgr.dispatch.ext-set-limits-usage.operations"
	DispatchExtGetStatOps        = "quotamgr.dispatch.ext-get-stat.operations"
	DispatchExtGetStatVOps       = "quotamgr.dispatch.ext-get-stat-versioned.operations"
	DispatchExtRemoveOps         = "quotamgr.dispatch.ext-remove.operations"
	DispatchExtSyncNoopOps       = "quotamgr.dispatch.ext-sync-noop.operations"

	// Dispatcher outcome counters
	DispatchAuthDenied     = "quotamgr.dispatch.auth-denied"
	DispatchDeviceNotFound = "quotamgr.dispatch.device-not-found"
	DispatchErrors         = "quotamgr.dispatch.errors"

	// Volume registry counters
	VolumeAttachOps   = "quotamgr.volume.attach.operations"
	VolumeDetachOps   = "quotamgr.volume.detach.operations"
	VolumeFreezeOps   = "quotamgr.volume.freeze.operations"
	VolumeThawOps     = "quotamgr.volume.thaw.operations"
	VolumeFreezeWaits = "quotamgr.volume.freeze.waits"

	// JSON RPC server counters
	RpcRequests    = "quotamgr.qrpc.requests"
	RpcErrors      = "quotamgr.qrpc.errors"
	RpcConnections = "quotamgr.qrpc.connections"

	// HTTP server counters
	HTTPRequests = "quotamgr.httpserver.requests"
	HTTPErrors   = "quotamgr.httpserver.errors"
)

// Stat names for the payload-carrying MultipleStats. Quota control payloads
// are small fixed-size records, so the buckets are sized accordingly.
var (
	QuotaCtlRequestOps        = "quotamgr.quotactl.request.operations"
	QuotaCtlRequestBytes      = "quotamgr.quotactl.request.bytes"
	QuotaCtlRequestOps64      = "quotamgr.quotactl.request.operations.size-64"
	QuotaCtlRequestOps128     = "quotamgr.quotactl.request.operations.size-128"
	QuotaCtlRequestOps256     = "quotamgr.quotactl.request.operations.size-256"
	QuotaCtlRequestOpsOver256 = "quotamgr.quotactl.request.operations.size-over-256"

	QuotaCtlReplyOps        = "quotamgr.quotactl.reply.operations"
	QuotaCtlReplyBytes      = "quotamgr.quotactl.reply.bytes"
	QuotaCtlReplyOps64      = "quotamgr.quotactl.reply.operations.size-64"
	QuotaCtlReplyOps128     = "quotamgr.quotactl.reply.operations.size-128"
	QuotaCtlReplyOps256     = "quotamgr.quotactl.reply.operations.size-256"
	QuotaCtlReplyOpsOver256 = "quotamgr.quotactl.reply.operations.size-over-256"

	CompatCtlRequestOps   = "quotamgr.quotactl.compat-request.operations"
	CompatCtlRequestBytes = "quotamgr.quotactl.compat-request.bytes"

	CompatCtlReplyOps   = "quotamgr.quotactl.compat-reply.operations"
	CompatCtlReplyBytes = "quotamgr.quotactl.compat-reply.bytes"
)
