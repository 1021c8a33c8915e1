// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package qvol is the volume registry: the in-process mount table mapping
// device paths to attached volumes and their quota backends. It owns
// volume resolution (including the freeze/thaw interaction), handle
// reference counting, and the admin freeze control surface.
package qvol

import (
	"github.com/NVIDIA/sortedmap"
	"github.com/creachadair/cityhash"

	"github.com/NVIDIA/quotamgr/blunder"
	"github.com/NVIDIA/quotamgr/logger"
	"github.com/NVIDIA/quotamgr/quota"
	"github.com/NVIDIA/quotamgr/stats"
	"github.com/NVIDIA/quotamgr/utils"
)

// VolumeHandle is a counted reference to an attached volume. Every
// successful resolution must be paired with exactly one Release(); a
// volume cannot finish detaching while handles remain outstanding.
type VolumeHandle interface {
	Name() (name string)
	DevicePath() (devicePath string)
	VolumeID() (volumeID uint64)
	ReadOnly() (readOnly bool)
	Backend() (backend quota.Backend) // nil if the volume exposes no backend
	Release()
}

// VolumeReport is the registry listing served over HTTP.
type VolumeReport struct {
	Name       string
	DevicePath string
	VolumeID   string // hex
	ReadOnly   bool
	Frozen     bool
	RefCount   uint64
	HasBackend bool
}

// ResolveVolume resolves device to a counted volume handle. An unknown
// (or detaching) device fails with DeviceNotFound. If waitThawed is set
// (write-class commands), the call blocks while the volume is frozen;
// otherwise (read-class commands) a frozen volume resolves immediately.
func ResolveVolume(device string, waitThawed bool) (handle VolumeHandle, err error) {
	var (
		volume *volumeStruct
	)

	globals.Lock()

	volume, err = lookupVolume(device)
	if nil != err {
		globals.Unlock()
		return
	}

	if waitThawed {
		for volume.frozen && !volume.detaching {
			stats.IncrementOperations(&stats.VolumeFreezeWaits)
			volume.stateCond.Wait()
		}
		if volume.detaching {
			globals.Unlock()
			err = blunder.NewError(blunder.VolumeDetachedError, "device \"%s\" detached while frozen", device)
			return
		}
	}

	volume.refCount++

	globals.Unlock()

	handle = &handleStruct{volume: volume}
	err = nil
	return
}

// Volumes returns one counted handle per attached volume, in device-path
// order. The caller must Release() every returned handle.
func Volumes() (handles []VolumeHandle) {
	var (
		err           error
		ok            bool
		volume        *volumeStruct
		volumeAsValue sortedmap.Value
		volumeIndex   int
		volumeMapLen  int
	)

	globals.Lock()
	defer globals.Unlock()

	volumeMapLen, err = globals.volumeMap.Len()
	if nil != err {
		logger.PanicfWithError(err, "qvol.Volumes(): volumeMap.Len() failed")
	}

	handles = make([]VolumeHandle, 0, volumeMapLen)

	for volumeIndex = 0; volumeIndex < volumeMapLen; volumeIndex++ {
		_, volumeAsValue, ok, err = globals.volumeMap.GetByIndex(volumeIndex)
		if (nil != err) || !ok {
			logger.PanicfWithError(err, "qvol.Volumes(): volumeMap.GetByIndex(%d) failed", volumeIndex)
		}
		volume = volumeAsValue.(*volumeStruct)
		if volume.detaching {
			continue
		}
		volume.refCount++
		handles = append(handles, &handleStruct{volume: volume})
	}

	return
}

// Freeze marks the device's volume frozen; write-class resolutions block
// until Thaw. Freezing a frozen volume is an error.
func Freeze(device string) (err error) {
	var (
		volume *volumeStruct
	)

	globals.Lock()
	defer globals.Unlock()

	volume, err = lookupVolume(device)
	if nil != err {
		return
	}
	if volume.frozen {
		err = blunder.NewError(blunder.DevBusyError, "device \"%s\" already frozen", device)
		return
	}

	volume.frozen = true
	stats.IncrementOperations(&stats.VolumeFreezeOps)
	logger.Infof("qvol: volume %s (device %s) frozen", volume.name, volume.devicePath)

	err = nil
	return
}

// Thaw clears the device's frozen state and wakes blocked write-class
// resolutions. Thawing an unfrozen volume is an error.
func Thaw(device string) (err error) {
	var (
		volume *volumeStruct
	)

	globals.Lock()
	defer globals.Unlock()

	volume, err = lookupVolume(device)
	if nil != err {
		return
	}
	if !volume.frozen {
		err = blunder.NewError(blunder.InvalidArgError, "device \"%s\" not frozen", device)
		return
	}

	volume.frozen = false
	volume.stateCond.Broadcast()
	stats.IncrementOperations(&stats.VolumeThawOps)
	logger.Infof("qvol: volume %s (device %s) thawed", volume.name, volume.devicePath)

	err = nil
	return
}

// GetVolumeReports returns the registry listing in device-path order.
func GetVolumeReports() (reports []VolumeReport) {
	var (
		err           error
		ok            bool
		volume        *volumeStruct
		volumeAsValue sortedmap.Value
		volumeIndex   int
		volumeMapLen  int
	)

	globals.Lock()
	defer globals.Unlock()

	volumeMapLen, err = globals.volumeMap.Len()
	if nil != err {
		logger.PanicfWithError(err, "qvol.GetVolumeReports(): volumeMap.Len() failed")
	}

	reports = make([]VolumeReport, 0, volumeMapLen)

	for volumeIndex = 0; volumeIndex < volumeMapLen; volumeIndex++ {
		_, volumeAsValue, ok, err = globals.volumeMap.GetByIndex(volumeIndex)
		if (nil != err) || !ok {
			logger.PanicfWithError(err, "qvol.GetVolumeReports(): volumeMap.GetByIndex(%d) failed", volumeIndex)
		}
		volume = volumeAsValue.(*volumeStruct)
		reports = append(reports, VolumeReport{
			Name:       volume.name,
			DevicePath: volume.devicePath,
			VolumeID:   utils.Uint64ToHexStr(volume.volumeID),
			ReadOnly:   volume.readOnly,
			Frozen:     volume.frozen,
			RefCount:   volume.refCount,
			HasBackend: nil != volume.backend,
		})
	}

	return
}

// lookupVolume must be called with globals locked.
func lookupVolume(device string) (volume *volumeStruct, err error) {
	var (
		ok            bool
		volumeAsValue sortedmap.Value
	)

	volumeAsValue, ok, err = globals.volumeMap.GetByKey(device)
	if nil != err {
		logger.PanicfWithError(err, "qvol: volumeMap.GetByKey(\"%s\") failed", device)
	}
	if !ok {
		err = blunder.NewError(blunder.DeviceNotFoundError, "no volume attached at device \"%s\"", device)
		return
	}

	volume = volumeAsValue.(*volumeStruct)
	if volume.detaching {
		volume = nil
		err = blunder.NewError(blunder.VolumeDetachedError, "volume at device \"%s\" is detaching", device)
		return
	}

	err = nil
	return
}

func computeVolumeID(devicePath string) (volumeID uint64) {
	volumeID = cityhash.Hash64([]byte(devicePath))
	return
}

type handleStruct struct {
	volume   *volumeStruct
	released bool
}

func (handle *handleStruct) Name() string {
	return handle.volume.name
}

func (handle *handleStruct) DevicePath() string {
	return handle.volume.devicePath
}

func (handle *handleStruct) VolumeID() uint64 {
	return handle.volume.volumeID
}

func (handle *handleStruct) ReadOnly() bool {
	return handle.volume.readOnly
}

func (handle *handleStruct) Backend() quota.Backend {
	return handle.volume.backend
}

func (handle *handleStruct) Release() {
	globals.Lock()
	defer globals.Unlock()

	if handle.released {
		logger.Errorf("qvol: double Release() of handle on volume %s ignored", handle.volume.name)
		return
	}
	handle.released = true

	if 0 == handle.volume.refCount {
		logger.PanicfWithError(nil, "qvol: Release() on volume %s with zero refCount", handle.volume.name)
	}
	handle.volume.refCount--

	if (0 == handle.volume.refCount) && handle.volume.detaching {
		handle.volume.stateCond.Broadcast()
	}
}
