// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package qdispatch

import (
	"github.com/NVIDIA/quotamgr/blunder"
	"github.com/NVIDIA/quotamgr/qlayout"
	"github.com/NVIDIA/quotamgr/quota"
	"github.com/NVIDIA/quotamgr/stats"
)

// compatQuotaCtl is the previous-generation decoder front end. Each
// compat opcode is re-expressed as the canonical command structure the
// one dispatcher consumes: record payloads are pre-translated into
// canonical overrides (the compat layouts carry no validity masks, so
// the opcode implies the mask) and record replies are shrunk back to the
// compat layouts. Only CompatGetStats is answered here, from dispatcher
// counters, with no volume bound and no backend call.
func compatQuotaCtl(opcode uint32, qType quota.QuotaType, device string, id uint32, payload []byte, caller *quota.CallerContext) (reply []byte, err error) {
	var (
		info        quota.PolicyInfo
		limitsUsage quota.LimitsUsage
	)

	stats.IncrementOperationsAndBytes(stats.CompatCtlRequest, uint64(len(payload)))
	defer func() {
		stats.IncrementOperationsAndBytes(stats.CompatCtlReply, uint64(len(reply)))
	}()

	switch opcode {

	case quota.CompatQuotaOnCmd:
		reply, err = dispatch(&requestStruct{
			opcode:  quota.QuotaOnCmd,
			qType:   qType,
			device:  device,
			id:      id,
			payload: payload,
		}, caller)
		return

	case quota.CompatQuotaOffCmd:
		reply, err = dispatch(&requestStruct{
			opcode: quota.QuotaOffCmd,
			qType:  qType,
			device: device,
		}, caller)
		return

	case quota.CompatGetQuotaCmd:
		reply, err = dispatch(&requestStruct{
			opcode:      quota.GetLimitsUsageCmd,
			qType:       qType,
			device:      device,
			id:          id,
			compatReply: true,
		}, caller)
		return

	case quota.CompatSetQuotaCmd, quota.CompatSetUseCmd, quota.CompatSetQLimCmd:
		limitsUsage, err = qlayout.UnpackLimitsCompat(payload, compatLimitsMask(opcode))
		if nil != err {
			return
		}
		reply, err = dispatch(&requestStruct{
			opcode:         quota.SetLimitsUsageCmd,
			qType:          qType,
			device:         device,
			id:             id,
			limitsOverride: &limitsUsage,
		}, caller)
		return

	case quota.CompatSyncCmd:
		// device optional, exactly as native Sync (empty selects broadcast)
		reply, err = dispatch(&requestStruct{
			opcode: quota.SyncCmd,
			qType:  qType,
			device: device,
		}, caller)
		return

	case quota.CompatGetStatsCmd:
		reply, err = qlayout.PackStatsCompat(statsCompatSnapshot())
		return

	case quota.CompatGetInfoCmd:
		reply, err = dispatch(&requestStruct{
			opcode:      quota.GetInfoCmd,
			qType:       qType,
			device:      device,
			compatReply: true,
		}, caller)
		return

	case quota.CompatSetInfoCmd, quota.CompatSetGraceCmd, quota.CompatSetFlagsCmd:
		info, err = qlayout.UnpackInfoCompat(payload, compatInfoMask(opcode))
		if nil != err {
			return
		}
		reply, err = dispatch(&requestStruct{
			opcode:       quota.SetInfoCmd,
			qType:        qType,
			device:       device,
			infoOverride: &info,
		}, caller)
		return

	default:
		err = blunder.NewError(blunder.BadCommandError, "unknown compat opcode 0x%X", opcode)
		return
	}
}

// compatLimitsMask returns the canonical field mask a compat set-limits
// opcode implies (the compat layout has no validity mask of its own).
func compatLimitsMask(opcode uint32) (fieldMask uint16) {
	switch opcode {
	case quota.CompatSetQuotaCmd:
		fieldMask = quota.MaskLimits | quota.MaskUsage | quota.MaskTimes
	case quota.CompatSetUseCmd:
		fieldMask = quota.MaskUsage
	default: // quota.CompatSetQLimCmd
		fieldMask = quota.MaskLimits
	}
	return
}

func compatInfoMask(opcode uint32) (infoMask uint8) {
	switch opcode {
	case quota.CompatSetInfoCmd:
		infoMask = quota.InfoMaskBlockGrace | quota.InfoMaskInodeGrace | quota.InfoMaskFlags
	case quota.CompatSetGraceCmd:
		infoMask = quota.InfoMaskBlockGrace | quota.InfoMaskInodeGrace
	default: // quota.CompatSetFlagsCmd
		infoMask = quota.InfoMaskFlags
	}
	return
}

// statsCompatSnapshot maps the dispatcher's counters onto the compat
// stats record; counters with no analog stay zero.
func statsCompatSnapshot() (statsCompat qlayout.StatsCompatStruct) {
	statsCompat = qlayout.StatsCompatStruct{
		Lookups: uint32(globals.metrics.LimitsLookupOps.TotalGet()),
		Reads:   uint32(globals.metrics.ReadClassOps.TotalGet()),
		Writes:  uint32(globals.metrics.WriteClassOps.TotalGet()),
		Syncs:   uint32(globals.metrics.SyncOps.TotalGet()),
	}
	return
}
