// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package qdispatch is the quota control plane's dispatcher: it decodes
// quota commands, authorizes them against the caller's privilege and the
// security hook, resolves the target volume into a counted handle, and
// routes the operation to the volume's backend through the capability
// interface. The dispatcher is stateless between requests; arbitrarily
// many dispatches may run concurrently.
package qdispatch

import (
	"strings"

	"github.com/NVIDIA/quotamgr/blunder"
	"github.com/NVIDIA/quotamgr/halter"
	"github.com/NVIDIA/quotamgr/qlayout"
	"github.com/NVIDIA/quotamgr/quota"
	"github.com/NVIDIA/quotamgr/qvol"
	"github.com/NVIDIA/quotamgr/stats"
	"github.com/NVIDIA/quotamgr/utils"
)

// SecurityHook is the mandatory-access-control decision point. It runs
// after the privilege check for every command (no-privilege ones
// included) and exactly once for broadcast sync, where device is empty.
// A nil return allows the command; any error vetoes it.
type SecurityHook func(opcode uint32, qType quota.QuotaType, device string, caller *quota.CallerContext) (err error)

// SetSecurityHook installs hook as the security decision point; a nil
// hook allows everything.
func SetSecurityHook(hook SecurityHook) {
	globals.Lock()
	globals.securityHook = hook
	globals.Unlock()
}

// requestStruct is the canonical command structure consumed by the one
// dispatcher. The native front end fills opcode/qType/id/payload straight
// from the wire; the compat front end pre-translates its record payloads
// into the canonical overrides so no translation logic is duplicated
// downstream.
type requestStruct struct {
	opcode         uint32
	qType          quota.QuotaType
	device         string
	id             uint32
	payload        []byte
	limitsOverride *quota.LimitsUsage // pre-decoded set-limits record (compat)
	infoOverride   *quota.PolicyInfo  // pre-decoded set-info record (compat)
	compatReply    bool               // shrink reply records to the compat layouts
}

// QuotaCtl is the dispatcher entry point. command is opcode<<8|type;
// device addresses the volume (empty selects broadcast sync); id carries
// the quota identity (or, for QuotaOn, the format); payload carries the
// command's wire record. The reply payload is non-nil only for commands
// that return a record.
func QuotaCtl(command uint32, device string, id uint32, payload []byte, caller *quota.CallerContext) (reply []byte, err error) {
	var (
		opcode    uint32
		stopwatch *utils.Stopwatch
	)

	halter.Trigger(halter.DispatchQuotaCtlEntry)

	stopwatch = utils.NewStopwatch()
	globals.metrics.QuotaCtlOps.Increment()

	opcode = quota.CommandOpcode(command)

	if quota.OpcodeIsCompat(opcode) {
		reply, err = compatQuotaCtl(opcode, quota.CommandQuotaType(command), device, id, payload, caller)
	} else {
		reply, err = dispatch(&requestStruct{
			opcode:  opcode,
			qType:   quota.CommandQuotaType(command),
			device:  device,
			id:      id,
			payload: payload,
		}, caller)
	}

	globals.metrics.QuotaCtlUsecs.Add(uint64(stopwatch.ElapsedUs()))
	if nil != err {
		globals.metrics.ErrorOps.Increment()
		stats.IncrementOperations(&stats.DispatchErrors)
	}

	halter.Trigger(halter.DispatchQuotaCtlExit)

	return
}

func dispatch(request *requestStruct, caller *quota.CallerContext) (reply []byte, err error) {
	var (
		backend      quota.Backend
		handle       qvol.VolumeHandle
		pathErr      error
		resolvedPath string
	)

	// an empty device selects broadcast sync; every other command needs a
	// resolvable volume
	if "" == request.device {
		if quota.SyncCmd == request.opcode {
			err = broadcastSync(request.qType, caller)
			return
		}
		err = blunder.NewError(blunder.DeviceNotFoundError, "command 0x%X requires a device", request.opcode)
		stats.IncrementOperations(&stats.DispatchDeviceNotFound)
		return
	}

	// QuotaOn resolves its activation path before the volume: the resolver
	// may block on registry state, and resolving under a held volume would
	// invert the lock order. A resolution failure is carried, not
	// returned; authorization failure takes precedence over it.
	if quota.QuotaOnCmd == request.opcode {
		resolvedPath, pathErr = resolveActivationPath(request.payload)
	}

	handle, err = qvol.ResolveVolume(request.device, !quota.OpcodeIsReadClass(request.opcode))
	if nil != err {
		stats.IncrementOperations(&stats.DispatchDeviceNotFound)
		return
	}
	defer handle.Release()

	if quota.OpcodeIsExtended(request.opcode) {
		if request.qType >= quota.ExtendedQuotaTypes {
			err = blunder.NewError(blunder.BadQuotaTypeError, "quota type %d out of range for the extended family", request.qType)
			return
		}
	} else {
		if request.qType >= quota.LegacyQuotaTypes {
			err = blunder.NewError(blunder.BadQuotaTypeError, "quota type %d out of range for the legacy family", request.qType)
			return
		}
	}

	backend = handle.Backend()
	if nil == backend {
		err = blunder.NewError(blunder.UnsupportedError, "volume at device \"%s\" exposes no quota backend", request.device)
		return
	}

	err = authorize(request.opcode, request.qType, request.device, request.id, caller)
	if nil != err {
		stats.IncrementOperations(&stats.DispatchAuthDenied)
		return
	}

	if quota.OpcodeIsReadClass(request.opcode) {
		globals.metrics.ReadClassOps.Increment()
	} else {
		globals.metrics.WriteClassOps.Increment()
	}

	reply, err = invoke(request, handle, backend, resolvedPath, pathErr)
	return
}

// authorize applies the per-opcode privilege class and then the security
// hook. The hook runs for every command, no-privilege ones included.
func authorize(opcode uint32, qType quota.QuotaType, device string, id uint32, caller *quota.CallerContext) (err error) {
	var (
		allowed bool
		hook    SecurityHook
	)

	switch quota.OpcodePrivilegeClass(opcode) {
	case quota.NoPrivilegeRequired:
		allowed = true
	case quota.SelfLookupAllowed:
		switch qType {
		case quota.UserQuota:
			allowed = caller.UserID == id
		case quota.GroupQuota:
			allowed = caller.InGroup(id)
		default:
			allowed = false // project lookups are admin-only
		}
		allowed = allowed || caller.HasAdmin()
	default: // quota.AdminRequired
		allowed = caller.HasAdmin()
	}

	if !allowed {
		err = blunder.NewError(blunder.PermissionDeniedError, "caller %d not permitted command 0x%X", caller.UserID, opcode)
		return
	}

	globals.Lock()
	hook = globals.securityHook
	globals.Unlock()

	if nil != hook {
		err = hook(opcode, qType, device, caller)
		if nil != err {
			return
		}
	}

	err = nil
	return
}

func invoke(request *requestStruct, handle qvol.VolumeHandle, backend quota.Backend, resolvedPath string, pathErr error) (reply []byte, err error) {
	var (
		caps        quota.Capability
		flags       uint32
		formatID    uint32
		id          quota.QuotaID
		info        quota.PolicyInfo
		limitsUsage quota.LimitsUsage
		state       quota.ExtendedState
		version     uint32
	)

	caps = backend.Capabilities()

	switch request.opcode {

	case quota.QuotaOnCmd:
		stats.IncrementOperations(&stats.DispatchQuotaOnOps)
		// metadata-based activation is preferred; the carried path error
		// surfaces only on the path-based branch
		if caps.Has(quota.CapQuotaOnMeta) {
			err = backend.QuotaOnMeta(request.qType, request.id)
			return
		}
		if !caps.Has(quota.CapQuotaOn) {
			err = blunder.NewError(blunder.UnsupportedError, "backend supports no quota activation")
			return
		}
		if nil != pathErr {
			err = pathErr
			return
		}
		err = backend.QuotaOn(request.qType, request.id, resolvedPath)
		return

	case quota.QuotaOffCmd:
		stats.IncrementOperations(&stats.DispatchQuotaOffOps)
		if !caps.Has(quota.CapQuotaOff) {
			err = blunder.NewError(blunder.UnsupportedError, "backend does not support quota deactivation")
			return
		}
		err = backend.QuotaOff(request.qType)
		return

	case quota.GetFormatCmd:
		stats.IncrementOperations(&stats.DispatchGetFormatOps)
		if !caps.Has(quota.CapGetFormat) {
			err = blunder.NewError(blunder.UnsupportedError, "backend does not support format queries")
			return
		}
		formatID, err = backend.GetFormat(request.qType)
		if nil != err {
			return
		}
		reply = qlayout.PackFormatID(formatID)
		return

	case quota.GetInfoCmd:
		stats.IncrementOperations(&stats.DispatchGetInfoOps)
		if !caps.Has(quota.CapGetInfo) {
			err = blunder.NewError(blunder.UnsupportedError, "backend does not support policy queries")
			return
		}
		info, err = backend.GetInfo(request.qType)
		if nil != err {
			return
		}
		if request.compatReply {
			reply, err = qlayout.PackInfoCompat(info)
		} else {
			reply, err = qlayout.PackInfoLegacy(info)
		}
		return

	case quota.SetInfoCmd:
		stats.IncrementOperations(&stats.DispatchSetInfoOps)
		if !caps.Has(quota.CapSetInfo) {
			err = blunder.NewError(blunder.UnsupportedError, "backend does not support policy updates")
			return
		}
		if nil == request.infoOverride {
			info, err = qlayout.UnpackInfoLegacy(request.payload)
			if nil != err {
				return
			}
		} else {
			info = *request.infoOverride
		}
		err = backend.SetInfo(request.qType, info)
		return

	case quota.GetLimitsUsageCmd, quota.ExtGetLimitsUsageCmd:
		if quota.GetLimitsUsageCmd == request.opcode {
			stats.IncrementOperations(&stats.DispatchGetLimitsUsageOps)
		} else {
			stats.IncrementOperations(&stats.DispatchExtGetLimitsUsageOps)
		}
		globals.metrics.LimitsLookupOps.Increment()
		if !caps.Has(quota.CapGetLimitsUsage) {
			err = blunder.NewError(blunder.UnsupportedError, "backend does not support limits queries")
			return
		}
		id, err = quota.MapID(request.id)
		if nil != err {
			return
		}
		limitsUsage, err = backend.GetLimitsUsage(request.qType, id)
		if nil != err {
			return
		}
		switch {
		case request.compatReply:
			reply, err = qlayout.PackLimitsCompat(limitsUsage)
		case quota.ExtGetLimitsUsageCmd == request.opcode:
			reply, err = qlayout.PackLimitsExtended(request.id, limitsUsage)
		default:
			reply, err = qlayout.PackLimitsLegacy(limitsUsage)
		}
		return

	case quota.SetLimitsUsageCmd, quota.ExtSetLimitsUsageCmd:
		if quota.SetLimitsUsageCmd == request.opcode {
			stats.IncrementOperations(&stats.DispatchSetLimitsUsageOps)
		} else {
			stats.IncrementOperations(&stats.DispatchExtSetLimitsUsageOps)
		}
		if !caps.Has(quota.CapSetLimitsUsage) {
			err = blunder.NewError(blunder.UnsupportedError, "backend does not support limits updates")
			return
		}
		id, err = quota.MapID(request.id)
		if nil != err {
			return
		}
		switch {
		case nil != request.limitsOverride:
			limitsUsage = *request.limitsOverride
		case quota.ExtSetLimitsUsageCmd == request.opcode:
			_, limitsUsage, err = qlayout.UnpackLimitsExtended(request.payload)
		default:
			limitsUsage, err = qlayout.UnpackLimitsLegacy(request.payload)
		}
		if nil != err {
			return
		}
		err = backend.SetLimitsUsage(request.qType, id, limitsUsage)
		return

	case quota.SyncCmd:
		stats.IncrementOperations(&stats.DispatchSyncOps)
		globals.metrics.SyncOps.Increment()
		if !caps.Has(quota.CapSync) {
			err = blunder.NewError(blunder.UnsupportedError, "backend does not support sync")
			return
		}
		err = backend.Sync(request.qType)
		return

	case quota.ExtQuotaOnCmd, quota.ExtQuotaOffCmd:
		if quota.ExtQuotaOnCmd == request.opcode {
			stats.IncrementOperations(&stats.DispatchExtQuotaOnOps)
		} else {
			stats.IncrementOperations(&stats.DispatchExtQuotaOffOps)
		}
		if !caps.Has(quota.CapExtSetState) {
			err = blunder.NewError(blunder.UnsupportedError, "backend does not support extended state updates")
			return
		}
		flags, err = qlayout.UnpackFlags(request.payload)
		if nil != err {
			return
		}
		err = backend.ExtSetState(flags, quota.ExtQuotaOnCmd == request.opcode)
		return

	case quota.ExtGetStatCmd:
		stats.IncrementOperations(&stats.DispatchExtGetStatOps)
		if !caps.Has(quota.CapExtGetState) {
			err = blunder.NewError(blunder.UnsupportedError, "backend does not support extended state queries")
			return
		}
		state, err = backend.ExtGetState()
		if nil != err {
			return
		}
		reply, err = qlayout.PackStateExtendedV0(state)
		return

	case quota.ExtGetStatVersionedCmd:
		stats.IncrementOperations(&stats.DispatchExtGetStatVOps)
		if !caps.Has(quota.CapExtGetStateVersioned) {
			err = blunder.NewError(blunder.UnsupportedError, "backend does not support versioned state queries")
			return
		}
		// the version tag is validated here, after the capability check
		// and before the backend sees the request
		version, err = qlayout.UnpackVersionTag(request.payload)
		if nil != err {
			return
		}
		if quota.ExtendedStateVersion1 != version {
			err = blunder.NewError(blunder.BadVersionError, "extended state version %d not supported (want %d)", version, quota.ExtendedStateVersion1)
			return
		}
		state, err = backend.ExtGetStateVersioned(version)
		if nil != err {
			return
		}
		reply, err = qlayout.PackStateExtendedV1(state)
		return

	case quota.ExtRemoveCmd:
		stats.IncrementOperations(&stats.DispatchExtRemoveOps)
		if !caps.Has(quota.CapExtRemove) {
			err = blunder.NewError(blunder.UnsupportedError, "backend does not support quota removal")
			return
		}
		flags, err = qlayout.UnpackFlags(request.payload)
		if nil != err {
			return
		}
		err = backend.ExtRemove(flags)
		return

	case quota.ExtSyncNoopCmd:
		stats.IncrementOperations(&stats.DispatchExtSyncNoopOps)
		// coherence is the backend's own business; the only observable
		// here is the read-only check
		if handle.ReadOnly() {
			err = blunder.NewError(blunder.ReadOnlyVolumeError, "volume at device \"%s\" is read-only", request.device)
			return
		}
		err = nil
		return

	default:
		err = blunder.NewError(blunder.BadCommandError, "unknown command opcode 0x%X", request.opcode)
		return
	}
}

// broadcastSync visits every registered volume best-effort: those with a
// backend exposing the sync capability get one Sync call each; individual
// failures are ignored. The security hook runs exactly once, with no
// volume bound.
func broadcastSync(qType quota.QuotaType, caller *quota.CallerContext) (err error) {
	var (
		handle        qvol.VolumeHandle
		handles       []qvol.VolumeHandle
		volumesSynced uint64
	)

	if qType >= quota.LegacyQuotaTypes {
		err = blunder.NewError(blunder.BadQuotaTypeError, "quota type %d out of range for the legacy family", qType)
		return
	}

	err = authorize(quota.SyncCmd, qType, "", 0, caller)
	if nil != err {
		stats.IncrementOperations(&stats.DispatchAuthDenied)
		return
	}

	stats.IncrementOperations(&stats.DispatchSyncAllOps)
	globals.metrics.BroadcastSyncOps.Increment()
	globals.metrics.SyncOps.Increment()

	handles = qvol.Volumes()
	for _, handle = range handles {
		if (nil != handle.Backend()) && handle.Backend().Capabilities().Has(quota.CapSync) {
			_ = handle.Backend().Sync(qType)
			volumesSynced++
		}
		handle.Release()
	}

	stats.IncrementOperationsBy(&stats.DispatchSyncAllVolumes, volumesSynced)

	err = nil
	return
}

// resolveActivationPath validates the QuotaOn payload as an activation
// path. The accounting engine may not need it (metadata-based activation
// ignores it entirely), so failures are carried by the caller rather than
// returned.
func resolveActivationPath(payload []byte) (resolvedPath string, err error) {
	resolvedPath = utils.ByteSliceToString(payload)

	if "" == resolvedPath {
		err = blunder.NewError(blunder.InvalidArgError, "empty activation path")
		return
	}
	if !strings.HasPrefix(resolvedPath, "/") {
		err = blunder.NewError(blunder.InvalidArgError, "activation path \"%s\" not absolute", resolvedPath)
		return
	}

	err = nil
	return
}
