// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package ramquota is an in-memory quota backend: a stand-in for a real
// accounting engine that lets the daemon run (and the test suite exercise
// end-to-end semantics) without external storage. Its capability set is
// configurable per volume, and its mutating operations carry halter
// trigger points for fault injection.
//
// Volume conf options consumed by the provider:
//
//	[Volume:VolumeA]
//	Backend:        ram
//	Capabilities:   all               (or a list of operation names)
//	InitialFormats: user,group        (quota types pre-activated at attach)
package ramquota

import (
	"fmt"
	"strings"

	"github.com/NVIDIA/quotamgr/blunder"
	"github.com/NVIDIA/quotamgr/conf"
	"github.com/NVIDIA/quotamgr/halter"
	"github.com/NVIDIA/quotamgr/quota"
	"github.com/NVIDIA/quotamgr/qvol"
	"github.com/NVIDIA/quotamgr/trackedlock"
)

var capabilityByName = map[string]quota.Capability{
	"QuotaOn":              quota.CapQuotaOn,
	"QuotaOnMeta":          quota.CapQuotaOnMeta,
	"QuotaOff":             quota.CapQuotaOff,
	"GetFormat":            quota.CapGetFormat,
	"GetInfo":              quota.CapGetInfo,
	"SetInfo":              quota.CapSetInfo,
	"GetLimitsUsage":       quota.CapGetLimitsUsage,
	"SetLimitsUsage":       quota.CapSetLimitsUsage,
	"Sync":                 quota.CapSync,
	"ExtSetState":          quota.CapExtSetState,
	"ExtGetState":          quota.CapExtGetState,
	"ExtGetStateVersioned": quota.CapExtGetStateVersioned,
	"ExtRemove":            quota.CapExtRemove,
}

// AllCapabilities is the union of every optional backend operation.
const AllCapabilities quota.Capability = quota.CapQuotaOn | quota.CapQuotaOnMeta | quota.CapQuotaOff |
	quota.CapGetFormat | quota.CapGetInfo | quota.CapSetInfo |
	quota.CapGetLimitsUsage | quota.CapSetLimitsUsage | quota.CapSync |
	quota.CapExtSetState | quota.CapExtGetState | quota.CapExtGetStateVersioned | quota.CapExtRemove

// ParseCapabilityList maps a list of operation names (or the single
// element "all") to a capability set.
func ParseCapabilityList(capabilityNames []string) (caps quota.Capability, err error) {
	var (
		capability     quota.Capability
		capabilityName string
		ok             bool
	)

	if (1 == len(capabilityNames)) && ("all" == strings.ToLower(capabilityNames[0])) {
		caps = AllCapabilities
		err = nil
		return
	}

	for _, capabilityName = range capabilityNames {
		capability, ok = capabilityByName[capabilityName]
		if !ok {
			err = fmt.Errorf("unknown backend capability \"%s\"", capabilityName)
			return
		}
		caps |= capability
	}

	err = nil
	return
}

type typeStateStruct struct {
	active   bool
	formatID uint32
	info     quota.PolicyInfo
	limits   map[quota.QuotaID]quota.LimitsUsage
}

type backendStruct struct {
	trackedlock.Mutex

	caps      quota.Capability
	typeState [quota.ExtendedQuotaTypes]typeStateStruct
	extFlags  uint32 // quota.State* accounting/enforcement bits
	syncCount uint64
}

func init() {
	qvol.RegisterBackendProvider("ram", newBackend)
}

func newBackend(confMap conf.ConfMap, volumeSectionName string) (backend quota.Backend, err error) {
	var (
		caps           quota.Capability
		capabilityList []string
		formatName     string
		initialFormats []string
		qType          quota.QuotaType
		ramBackend     *backendStruct
	)

	capabilityList, err = confMap.FetchOptionValueStringSlice(volumeSectionName, "Capabilities")
	if nil == err {
		caps, err = ParseCapabilityList(capabilityList)
		if nil != err {
			err = fmt.Errorf("[%s]Capabilities: %v", volumeSectionName, err)
			return
		}
	} else {
		caps = AllCapabilities
	}

	ramBackend = &backendStruct{caps: caps}
	for qType = quota.UserQuota; qType < quota.ExtendedQuotaTypes; qType++ {
		ramBackend.typeState[qType].limits = make(map[quota.QuotaID]quota.LimitsUsage)
	}

	initialFormats, err = confMap.FetchOptionValueStringSlice(volumeSectionName, "InitialFormats")
	if nil == err {
		for _, formatName = range initialFormats {
			switch strings.ToLower(formatName) {
			case "user":
				qType = quota.UserQuota
			case "group":
				qType = quota.GroupQuota
			case "project":
				qType = quota.ProjectQuota
			default:
				err = fmt.Errorf("[%s]InitialFormats: unknown quota type \"%s\"", volumeSectionName, formatName)
				return
			}
			ramBackend.typeState[qType].active = true
			ramBackend.typeState[qType].formatID = quota.QuotaFormatVFSV1
			ramBackend.extFlags |= accountingFlagForType(qType) | enforcementFlagForType(qType)
		}
	}

	backend = ramBackend
	err = nil
	return
}

func accountingFlagForType(qType quota.QuotaType) uint32 {
	switch qType {
	case quota.UserQuota:
		return quota.StateUserAccounting
	case quota.GroupQuota:
		return quota.StateGroupAccounting
	default:
		return quota.StateProjectAccounting
	}
}

func enforcementFlagForType(qType quota.QuotaType) uint32 {
	switch qType {
	case quota.UserQuota:
		return quota.StateUserEnforcing
	case quota.GroupQuota:
		return quota.StateGroupEnforcing
	default:
		return quota.StateProjectEnforcing
	}
}

func (backend *backendStruct) Capabilities() (caps quota.Capability) {
	caps = backend.caps
	return
}

func (backend *backendStruct) QuotaOn(qType quota.QuotaType, formatID uint32, path string) (err error) {
	// path already resolved and validated by the dispatcher; an in-memory
	// ledger has no use for it beyond the activation itself
	err = backend.quotaOn(qType, formatID)
	return
}

func (backend *backendStruct) QuotaOnMeta(qType quota.QuotaType, formatID uint32) (err error) {
	err = backend.quotaOn(qType, formatID)
	return
}

func (backend *backendStruct) quotaOn(qType quota.QuotaType, formatID uint32) (err error) {
	backend.Lock()
	defer backend.Unlock()

	if backend.typeState[qType].active {
		err = blunder.NewError(blunder.DevBusyError, "%v quota already active", qType)
		return
	}

	backend.typeState[qType].active = true
	backend.typeState[qType].formatID = formatID
	backend.extFlags |= accountingFlagForType(qType) | enforcementFlagForType(qType)

	err = nil
	return
}

func (backend *backendStruct) QuotaOff(qType quota.QuotaType) (err error) {
	backend.Lock()
	defer backend.Unlock()

	if !backend.typeState[qType].active {
		err = blunder.NewError(blunder.NoQuotaActiveError, "%v quota not active", qType)
		return
	}

	backend.typeState[qType].active = false
	backend.extFlags &^= accountingFlagForType(qType) | enforcementFlagForType(qType)

	err = nil
	return
}

func (backend *backendStruct) GetFormat(qType quota.QuotaType) (formatID uint32, err error) {
	backend.Lock()
	defer backend.Unlock()

	if !backend.typeState[qType].active {
		err = blunder.NewError(blunder.NoQuotaActiveError, "%v quota not active", qType)
		return
	}

	formatID = backend.typeState[qType].formatID
	err = nil
	return
}

func (backend *backendStruct) GetInfo(qType quota.QuotaType) (info quota.PolicyInfo, err error) {
	backend.Lock()
	defer backend.Unlock()

	if !backend.typeState[qType].active {
		err = blunder.NewError(blunder.NoQuotaActiveError, "%v quota not active", qType)
		return
	}

	info = backend.typeState[qType].info
	info.FieldMask = quota.InfoMaskAll
	err = nil
	return
}

func (backend *backendStruct) SetInfo(qType quota.QuotaType, info quota.PolicyInfo) (err error) {
	backend.Lock()
	defer backend.Unlock()

	if !backend.typeState[qType].active {
		err = blunder.NewError(blunder.NoQuotaActiveError, "%v quota not active", qType)
		return
	}

	if 0 != (info.FieldMask & quota.InfoMaskBlockGrace) {
		backend.typeState[qType].info.BlockGrace = info.BlockGrace
	}
	if 0 != (info.FieldMask & quota.InfoMaskInodeGrace) {
		backend.typeState[qType].info.InodeGrace = info.InodeGrace
	}
	if 0 != (info.FieldMask & quota.InfoMaskFlags) {
		backend.typeState[qType].info.Flags = info.Flags
	}

	err = nil
	return
}

func (backend *backendStruct) GetLimitsUsage(qType quota.QuotaType, id quota.QuotaID) (limitsUsage quota.LimitsUsage, err error) {
	backend.Lock()
	defer backend.Unlock()

	if !backend.typeState[qType].active {
		err = blunder.NewError(blunder.NoQuotaActiveError, "%v quota not active", qType)
		return
	}

	// an identity with no record reads back as all zeroes
	limitsUsage = backend.typeState[qType].limits[id]
	limitsUsage.FieldMask = quota.MaskAll

	err = nil
	return
}

func (backend *backendStruct) SetLimitsUsage(qType quota.QuotaType, id quota.QuotaID, limitsUsage quota.LimitsUsage) (err error) {
	var (
		record quota.LimitsUsage
	)

	err = halter.TriggerWithError(halter.RamQuotaSetLimitsUsageEntry, blunder.NewError(blunder.IOError, "ramquota: injected SetLimitsUsage entry fault"))
	if nil != err {
		return
	}

	backend.Lock()

	if !backend.typeState[qType].active {
		backend.Unlock()
		err = blunder.NewError(blunder.NoQuotaActiveError, "%v quota not active", qType)
		return
	}

	record = backend.typeState[qType].limits[id]

	if 0 != (limitsUsage.FieldMask & quota.MaskBlockHardLimit) {
		record.BlockHardLimit = limitsUsage.BlockHardLimit
	}
	if 0 != (limitsUsage.FieldMask & quota.MaskBlockSoftLimit) {
		record.BlockSoftLimit = limitsUsage.BlockSoftLimit
	}
	if 0 != (limitsUsage.FieldMask & quota.MaskInodeHardLimit) {
		record.InodeHardLimit = limitsUsage.InodeHardLimit
	}
	if 0 != (limitsUsage.FieldMask & quota.MaskInodeSoftLimit) {
		record.InodeSoftLimit = limitsUsage.InodeSoftLimit
	}
	if 0 != (limitsUsage.FieldMask & quota.MaskBlockCount) {
		record.BlockCount = limitsUsage.BlockCount
	}
	if 0 != (limitsUsage.FieldMask & quota.MaskInodeCount) {
		record.InodeCount = limitsUsage.InodeCount
	}
	if 0 != (limitsUsage.FieldMask & quota.MaskBlockTimeLimit) {
		record.BlockTimeLimit = limitsUsage.BlockTimeLimit
	}
	if 0 != (limitsUsage.FieldMask & quota.MaskInodeTimeLimit) {
		record.InodeTimeLimit = limitsUsage.InodeTimeLimit
	}
	if 0 != (limitsUsage.FieldMask & quota.MaskBlockWarnCount) {
		record.BlockWarnCount = limitsUsage.BlockWarnCount
	}
	if 0 != (limitsUsage.FieldMask & quota.MaskInodeWarnCount) {
		record.InodeWarnCount = limitsUsage.InodeWarnCount
	}

	record.FieldMask = quota.MaskAll
	backend.typeState[qType].limits[id] = record

	backend.Unlock()

	err = halter.TriggerWithError(halter.RamQuotaSetLimitsUsageExit, blunder.NewError(blunder.IOError, "ramquota: injected SetLimitsUsage exit fault"))
	return
}

func (backend *backendStruct) Sync(qType quota.QuotaType) (err error) {
	backend.Lock()
	backend.syncCount++
	backend.Unlock()

	err = nil
	return
}

// SyncCount reports how many Sync calls the backend has absorbed; used by
// broadcast-sync tests.
func (backend *backendStruct) SyncCount() (syncCount uint64) {
	backend.Lock()
	syncCount = backend.syncCount
	backend.Unlock()
	return
}

func (backend *backendStruct) ExtSetState(flags uint32, enable bool) (err error) {
	var (
		qType quota.QuotaType
	)

	backend.Lock()
	defer backend.Unlock()

	if enable {
		backend.extFlags |= flags
	} else {
		backend.extFlags &^= flags
	}

	// activation follows the accounting bits
	for qType = quota.UserQuota; qType < quota.ExtendedQuotaTypes; qType++ {
		if 0 != (backend.extFlags & accountingFlagForType(qType)) {
			if !backend.typeState[qType].active {
				backend.typeState[qType].active = true
				backend.typeState[qType].formatID = quota.QuotaFormatVFSV1
			}
		} else {
			backend.typeState[qType].active = false
		}
	}

	err = nil
	return
}

func (backend *backendStruct) ExtGetState() (state quota.ExtendedState, err error) {
	backend.Lock()
	state = backend.makeExtendedState()
	backend.Unlock()

	err = nil
	return
}

func (backend *backendStruct) ExtGetStateVersioned(version uint32) (state quota.ExtendedState, err error) {
	// version already validated by the dispatcher
	state, err = backend.ExtGetState()
	return
}

// makeExtendedState must be called with backend locked.
func (backend *backendStruct) makeExtendedState() (state quota.ExtendedState) {
	var (
		inCoreRecords uint32
		qType         quota.QuotaType
		typeStates    [quota.ExtendedQuotaTypes]quota.ExtendedTypeState
	)

	for qType = quota.UserQuota; qType < quota.ExtendedQuotaTypes; qType++ {
		if backend.typeState[qType].active {
			typeStates[qType] = quota.ExtendedTypeState{
				InodeNumber: 131 + uint64(qType),
				BlockCount:  uint64(len(backend.typeState[qType].limits)) << 10,
				ExtentCount: uint32(len(backend.typeState[qType].limits)),
			}
			inCoreRecords += uint32(len(backend.typeState[qType].limits))
		}
	}

	state = quota.ExtendedState{
		Version:        quota.ExtendedStateVersion1,
		Flags:          backend.extFlags,
		UserState:      typeStates[quota.UserQuota],
		GroupState:     typeStates[quota.GroupQuota],
		ProjectState:   typeStates[quota.ProjectQuota],
		InCoreRecords:  inCoreRecords,
		BlockGrace:     int32(backend.typeState[quota.UserQuota].info.BlockGrace),
		InodeGrace:     int32(backend.typeState[quota.UserQuota].info.InodeGrace),
		BlockWarnLimit: 5,
		InodeWarnLimit: 5,
	}

	return
}

func (backend *backendStruct) ExtRemove(flags uint32) (err error) {
	var (
		qType quota.QuotaType
	)

	backend.Lock()
	defer backend.Unlock()

	for qType = quota.UserQuota; qType < quota.ExtendedQuotaTypes; qType++ {
		if 0 != (flags & accountingFlagForType(qType)) {
			if backend.typeState[qType].active {
				err = blunder.NewError(blunder.DevBusyError, "%v quota still active; disable before remove", qType)
				return
			}
			backend.typeState[qType].limits = make(map[quota.QuotaID]quota.LimitsUsage)
			backend.typeState[qType].info = quota.PolicyInfo{}
		}
	}

	err = nil
	return
}
