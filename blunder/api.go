// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to attach an errno to a regular Go error
// while still conforming to the Go error interface, so that the RPC and
// HTTP layers can hand a stable numeric error kind to their clients.
//
// This package is implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
//   merry comes with built-in support for adding information to errors:
//    - stacktraces
//    - overriding the error message
//    - HTTP status codes
//    - your own additional information
//
//   From merry godoc:
//     You can add any context information to an error with `e = merry.WithValue(e, "code", 12345)`
//     You can retrieve that value with `v, _ := merry.Value(e, "code").(int)`
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/quotamgr/logger"
)

// Error constants to be used in the QuotaMgr namespace.
//
// Each constant corresponds to a linux/POSIX errno as defined in errno.h;
// a second block below gives quota-flavored aliases for the errnos the
// dispatch layer hands out, so call sites can name the condition they
// actually mean.
//
// NOTE: unix.Errno is used here because they are errno constants that exist
//       in Go-land. This type consists of an unsigned number describing an
//       error condition. It implements the error interface; we need to cast
//       it to an int to get the errno value.
//
type QuotaError int

const (
	NotPermError        QuotaError = QuotaError(int(unix.EPERM))     // Operation not permitted
	NotFoundError       QuotaError = QuotaError(int(unix.ENOENT))    // No such file or directory
	NoProcessError      QuotaError = QuotaError(int(unix.ESRCH))     // No such process (or: no such active quota)
	IOError             QuotaError = QuotaError(int(unix.EIO))       // I/O error
	TryAgainError       QuotaError = QuotaError(int(unix.EAGAIN))    // Try again
	BadAddressError     QuotaError = QuotaError(int(unix.EFAULT))    // Bad address
	DevBusyError        QuotaError = QuotaError(int(unix.EBUSY))     // Device or resource busy
	NoDeviceError       QuotaError = QuotaError(int(unix.ENODEV))    // No such device
	InvalidArgError     QuotaError = QuotaError(int(unix.EINVAL))    // Invalid argument
	NotImplementedError QuotaError = QuotaError(int(unix.ENOSYS))    // Function not implemented
	ReadOnlyError       QuotaError = QuotaError(int(unix.EROFS))     // Read-only file system
	OutOfRangeError     QuotaError = QuotaError(int(unix.ERANGE))    // Math result not representable
	TimedOutError       QuotaError = QuotaError(int(unix.ETIMEDOUT)) // Connection timed out
)

// Errors that map to constants already defined above
const (
	PermissionDeniedError QuotaError = NotPermError
	UnsupportedError      QuotaError = NotImplementedError
	BadCommandError       QuotaError = InvalidArgError
	BadQuotaTypeError     QuotaError = InvalidArgError
	BadQuotaIDError       QuotaError = InvalidArgError
	BadVersionError       QuotaError = InvalidArgError
	BadPayloadError       QuotaError = BadAddressError
	SerializationError    QuotaError = BadAddressError
	DeviceNotFoundError   QuotaError = NoDeviceError
	VolumeDetachedError   QuotaError = NoDeviceError
	ReadOnlyVolumeError   QuotaError = ReadOnlyError
	NoQuotaActiveError    QuotaError = NoProcessError
)

// Success error (sounds odd, no? - perhaps this could be renamed "NotAnError"?)
const SuccessError QuotaError = 0

// Default errno values for success and failure
const successErrno = 0
const failureErrno = -1

// Value returns the int value for the specified QuotaError constant
func (err QuotaError) Value() int {
	return int(err)
}

// NewError creates a new merry/blunder.QuotaError-annotated error using the
// given format string and arguments.
func NewError(errValue QuotaError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add error detail to a Go error.
//
// NOTE: Checks whether the error value has already been set
//       Note that by default merry will replace the old with the new.
//
func AddError(e error, errValue QuotaError) error {
	if e == nil {
		// Error hasn't been allocated yet; need to create one
		//
		// Usually we wouldn't want to mess with a nil error, but the caller of
		// this function obviously intends to make this a non-nil error.
		//
		// It's recommended that the caller create an error with some context
		// in the error string first, but we don't want to silently not work
		// if they forget to do that.
		//
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	// Make the error "merry", adding stack trace as well as errno value.
	// This is done all in one line because the merry APIs create a new error each time.

	// For now, check and log if an errno has already been added to
	// this error, to help debugging in the cases where this was not intentional.
	prevValue := Errno(e)
	if prevValue != successErrno && prevValue != failureErrno {
		logger.Warnf("replacing error value %v with value %v for error %v.\n", prevValue, int(errValue), e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

func AddHTTPCode(e error, statusCode int) error {
	if e == nil {
		return merry.New("HTTP error").WithHTTPCode(statusCode)
	}

	return merry.WrapSkipping(e, 1).WithHTTPCode(statusCode)
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
//
func Errno(e error) int {
	if e == nil {
		// nil error = success
		return successErrno
	}

	// If the "errno" key/value was not present, merry.Value returns nil.
	var errno = failureErrno
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errno = tmp.(int)
	}

	return errno
}

func ErrorString(e error) string {
	if e == nil {
		return ""
	}

	// Get the regular error string
	errPlusVal := e.Error()

	// Add the error value to it, if set
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errPlusVal = fmt.Sprintf("%s. Error Value: %v\n", errPlusVal, tmp.(int))
	}

	return errPlusVal
}

// Is checks whether an error matches a particular QuotaError
//
// NOTE: Because the value of the underlying errno is used to do this check, one cannot
//       use this API to distinguish between QuotaErrors that use the same errno value.
//       IOW, it can't tell the difference between BadCommandError/BadQuotaTypeError/InvalidArgError,
//       since they all use unix.EINVAL as their underlying errno value.
//
func Is(e error, theError QuotaError) bool {
	return Errno(e) == theError.Value()
}

// IsNot checks whether an error is NOT a particular QuotaError
func IsNot(e error, theError QuotaError) bool {
	return Errno(e) != theError.Value()
}

// IsSuccess checks whether an error is the success QuotaError
func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

// IsNotSuccess checks whether an error is NOT the success QuotaError
func IsNotSuccess(e error) bool {
	return Errno(e) != successErrno
}

// HTTPCode wraps merry.HTTPCode, which returns the HTTP status code. Default value is 500.
func HTTPCode(e error) int {
	return merry.HTTPCode(e)
}

// Location returns the file and line number of the code that generated the error.
// Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// SourceLine returns the string representation of Location's result.
// Returns empty string if e has no stacktrace.
func SourceLine(e error) string {
	return merry.SourceLine(e)
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}

// Stacktrace wraps merry.Stacktrace, which returns error stacktrace (if set) in a string.
func Stacktrace(e error) string {
	return merry.Stacktrace(e)
}
