// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/quotamgr/conf"
	"github.com/NVIDIA/quotamgr/transitions"
)

var testConfMap conf.ConfMap

func testSetup(t *testing.T) {
	var (
		err             error
		testConfStrings []string
	)

	testConfStrings = []string{
		"Logging.LogFilePath=/dev/null",
		"QuotaMgr.VolumeList=",
	}

	testConfMap, err = conf.MakeConfMapFromStrings(testConfStrings)
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	err = transitions.Up(testConfMap)
	if nil != err {
		t.Fatalf("transitions.Up() failed: %v", err)
	}
}

func testTeardown(t *testing.T) {
	var (
		err error
	)

	err = transitions.Down(testConfMap)
	if nil != err {
		t.Fatalf("transitions.Down() failed: %v", err)
	}
}

func TestValues(t *testing.T) {
	if NotPermError.Value() != int(unix.EPERM) {
		t.Fatalf("NotPermError value was %d, expected %d", NotPermError.Value(), int(unix.EPERM))
	}
	if UnsupportedError.Value() != int(unix.ENOSYS) {
		t.Fatalf("UnsupportedError value was %d, expected %d", UnsupportedError.Value(), int(unix.ENOSYS))
	}
	if DeviceNotFoundError.Value() != int(unix.ENODEV) {
		t.Fatalf("DeviceNotFoundError value was %d, expected %d", DeviceNotFoundError.Value(), int(unix.ENODEV))
	}
	if SerializationError.Value() != int(unix.EFAULT) {
		t.Fatalf("SerializationError value was %d, expected %d", SerializationError.Value(), int(unix.EFAULT))
	}
	if NoQuotaActiveError.Value() != int(unix.ESRCH) {
		t.Fatalf("NoQuotaActiveError value was %d, expected %d", NoQuotaActiveError.Value(), int(unix.ESRCH))
	}
	if ReadOnlyVolumeError.Value() != int(unix.EROFS) {
		t.Fatalf("ReadOnlyVolumeError value was %d, expected %d", ReadOnlyVolumeError.Value(), int(unix.EROFS))
	}
}

func TestDefaultErrno(t *testing.T) {
	testSetup(t)

	// Nil error: the default value should be successErrno
	var err error

	if Errno(err) != successErrno {
		t.Fatalf("nil error value was %d, expected %d", Errno(err), successErrno)
	}
	if !IsSuccess(err) {
		t.Fatalf("IsSuccess() returned false for error %v", ErrorString(err))
	}
	if IsNotSuccess(err) {
		t.Fatalf("IsNotSuccess() returned true for error %v", ErrorString(err))
	}

	// Non-nil but unannotated error: the default value should be failureErrno
	err = fmt.Errorf("this is an ordinary error")

	if Errno(err) != failureErrno {
		t.Fatalf("unannotated error value was %d, expected %d", Errno(err), failureErrno)
	}
	if IsSuccess(err) {
		t.Fatalf("IsSuccess() returned true for error %v", ErrorString(err))
	}

	testTeardown(t)
}

func TestErrorAnnotation(t *testing.T) {
	testSetup(t)

	err := NewError(DeviceNotFoundError, "device %s not attached", "/dev/qvd9")
	if !Is(err, DeviceNotFoundError) {
		t.Fatalf("Is(DeviceNotFoundError) returned false for error %v", ErrorString(err))
	}
	if Is(err, NotPermError) {
		t.Fatalf("Is(NotPermError) returned true for error %v", ErrorString(err))
	}
	if IsNot(err, NoDeviceError) {
		t.Fatalf("IsNot(NoDeviceError) returned true; aliases must compare equal")
	}

	// AddError on a plain error takes over its errno
	err = fmt.Errorf("backend rejected the record")
	err = AddError(err, InvalidArgError)
	if Errno(err) != int(unix.EINVAL) {
		t.Fatalf("annotated error value was %d, expected %d", Errno(err), int(unix.EINVAL))
	}

	// A stacktrace should have been captured at annotation time
	if SourceLine(err) == "" {
		t.Fatalf("expected a source line on annotated error")
	}

	testTeardown(t)
}

func TestHTTPCode(t *testing.T) {
	testSetup(t)

	err := AddHTTPCode(fmt.Errorf("no such volume"), 404)
	if HTTPCode(err) != 404 {
		t.Fatalf("HTTPCode() returned %d, expected 404", HTTPCode(err))
	}

	// Default code for an unannotated error is 500
	if HTTPCode(fmt.Errorf("something else")) != 500 {
		t.Fatalf("HTTPCode() default was not 500")
	}

	testTeardown(t)
}
