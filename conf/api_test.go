// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"io"
	"io/ioutil"
	"os"
	"reflect"
	"testing"
	"time"
)

var (
	tempFile1Name string // parsed directly
	tempFile2Name string // .include'd by tempFile3
	tempFile3Name string
)

func TestMain(m *testing.M) {
	tempFile1, errorTempFile1 := ioutil.TempFile(os.TempDir(), "TestConfFile1_")
	if nil != errorTempFile1 {
		os.Exit(1)
	}

	tempFile1Name = tempFile1.Name()

	io.WriteString(tempFile1, "# A comment on its own line\n")
	io.WriteString(tempFile1, "[TestVolume:Settings]\n")
	io.WriteString(tempFile1, "DeviceList : /dev/qvd0,/dev/qvd1 # A comment at the end of a line\n")
	io.WriteString(tempFile1, "ReadOnly = false\n")
	io.WriteString(tempFile1, "EmptyOption =\n")

	tempFile1.Close()

	tempFile2, errorTempFile2 := ioutil.TempFile(os.TempDir(), "TestConfFile2_")
	if nil != errorTempFile2 {
		os.Remove(tempFile1Name)
		os.Exit(1)
	}

	tempFile2Name = tempFile2.Name()

	io.WriteString(tempFile2, "; A comment on its own line\n")
	io.WriteString(tempFile2, "[Timeouts]\n")
	io.WriteString(tempFile2, "ResolveRetry: 250ms\n")

	tempFile2.Close()

	tempFile3, errorTempFile3 := ioutil.TempFile(os.TempDir(), "TestConfFile3_")
	if nil != errorTempFile3 {
		os.Remove(tempFile1Name)
		os.Remove(tempFile2Name)
		os.Exit(1)
	}

	tempFile3Name = tempFile3.Name()

	io.WriteString(tempFile3, "[Limits]\n")
	io.WriteString(tempFile3, "MaxVolumes: 64\n")
	io.WriteString(tempFile3, ".include "+tempFile2Name+"\n")

	tempFile3.Close()

	mRunReturn := m.Run()

	os.Remove(tempFile1Name)
	os.Remove(tempFile2Name)
	os.Remove(tempFile3Name)

	os.Exit(mRunReturn)
}

func TestFromStrings(t *testing.T) {
	confMap, err := MakeConfMapFromStrings([]string{
		"QuotaMgr.VolumeList=testvol1 testvol2",
		"testvol1.DevicePath=/dev/qvd0",
		"testvol1.ReadOnly=no",
	})
	if nil != err {
		t.Fatalf("MakeConfMapFromStrings() failed: %v", err)
	}

	volumeList, err := confMap.FetchOptionValueStringSlice("QuotaMgr", "VolumeList")
	if nil != err {
		t.Fatalf("FetchOptionValueStringSlice() failed: %v", err)
	}
	if !reflect.DeepEqual(volumeList, []string{"testvol1", "testvol2"}) {
		t.Fatalf("unexpected VolumeList: %v", volumeList)
	}

	devicePath, err := confMap.FetchOptionValueString("testvol1", "DevicePath")
	if nil != err {
		t.Fatalf("FetchOptionValueString() failed: %v", err)
	}
	if "/dev/qvd0" != devicePath {
		t.Fatalf("unexpected DevicePath: %v", devicePath)
	}

	readOnly, err := confMap.FetchOptionValueBool("testvol1", "ReadOnly")
	if nil != err {
		t.Fatalf("FetchOptionValueBool() failed: %v", err)
	}
	if readOnly {
		t.Fatalf("ReadOnly should have been false")
	}

	err = confMap.UpdateFromString("testvol1.ReadOnly=yes")
	if nil != err {
		t.Fatalf("UpdateFromString() failed: %v", err)
	}
	readOnly, err = confMap.FetchOptionValueBool("testvol1", "ReadOnly")
	if (nil != err) || !readOnly {
		t.Fatalf("ReadOnly should have been updated to true")
	}

	err = confMap.UpdateFromString("MissingAssignment")
	if nil == err {
		t.Fatalf("UpdateFromString(\"MissingAssignment\") should have failed")
	}
}

func TestFromFile(t *testing.T) {
	confMap, err := MakeConfMapFromFile(tempFile1Name)
	if nil != err {
		t.Fatalf("MakeConfMapFromFile() failed: %v", err)
	}

	deviceList, err := confMap.FetchOptionValueStringSlice("TestVolume:Settings", "DeviceList")
	if nil != err {
		t.Fatalf("FetchOptionValueStringSlice() failed: %v", err)
	}
	if !reflect.DeepEqual(deviceList, []string{"/dev/qvd0", "/dev/qvd1"}) {
		t.Fatalf("unexpected DeviceList: %v", deviceList)
	}

	err = confMap.VerifyOptionValueIsEmpty("TestVolume:Settings", "EmptyOption")
	if nil != err {
		t.Fatalf("VerifyOptionValueIsEmpty() failed: %v", err)
	}

	err = confMap.VerifyOptionValueIsEmpty("TestVolume:Settings", "DeviceList")
	if nil == err {
		t.Fatalf("VerifyOptionValueIsEmpty() should have failed for DeviceList")
	}
}

func TestInclude(t *testing.T) {
	confMap, err := MakeConfMapFromFile(tempFile3Name)
	if nil != err {
		t.Fatalf("MakeConfMapFromFile() failed: %v", err)
	}

	maxVolumes, err := confMap.FetchOptionValueUint64("Limits", "MaxVolumes")
	if nil != err {
		t.Fatalf("FetchOptionValueUint64() failed: %v", err)
	}
	if 64 != maxVolumes {
		t.Fatalf("unexpected MaxVolumes: %v", maxVolumes)
	}

	resolveRetry, err := confMap.FetchOptionValueDuration("Timeouts", "ResolveRetry")
	if nil != err {
		t.Fatalf("FetchOptionValueDuration() failed: %v", err)
	}
	if 250*time.Millisecond != resolveRetry {
		t.Fatalf("unexpected ResolveRetry: %v", resolveRetry)
	}
}

func TestFetchErrors(t *testing.T) {
	confMap, err := MakeConfMapFromStrings([]string{
		"Section.MultiValued=a b c",
		"Section.NotANumber=zero",
	})
	if nil != err {
		t.Fatalf("MakeConfMapFromStrings() failed: %v", err)
	}

	_, err = confMap.FetchOptionValueString("Section", "MultiValued")
	if nil == err {
		t.Fatalf("FetchOptionValueString() should have failed for a multi-valued option")
	}

	_, err = confMap.FetchOptionValueUint32("Section", "NotANumber")
	if nil == err {
		t.Fatalf("FetchOptionValueUint32() should have failed for a non-numeric option")
	}

	_, err = confMap.FetchOptionValueString("Section", "Missing")
	if nil == err {
		t.Fatalf("FetchOptionValueString() should have failed for a missing option")
	}

	_, err = confMap.FetchOptionValueString("MissingSection", "Missing")
	if nil == err {
		t.Fatalf("FetchOptionValueString() should have failed for a missing section")
	}
}
