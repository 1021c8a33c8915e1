// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package quotamgrd

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

var testConfFileContents = `
[Logging]
LogFilePath: /dev/null
LogToConsole: false

[QuotaMgr]
VolumeList: VolumeA

[Volume:VolumeA]
DevicePath:     /dev/qa
Backend:        ram
InitialFormats: user

[Stats]
UDPPort:      52190
BufferLength: 100
MaxLatency:   1s

[QuotaRPCServer]
IPAddr:          127.0.0.1
TCPPort:         0
MaxConnections:  16
DataPathLogging: false

[HTTPServer]
IPAddr:  127.0.0.1
TCPPort: 0
`

func TestDaemon(t *testing.T) {
	var (
		err error
		wg  sync.WaitGroup
	)

	confDir, err := ioutil.TempDir("", "quotamgrd_test")
	if nil != err {
		t.Fatalf("ioutil.TempDir() returned error: %v", err)
	}
	defer func() { _ = os.RemoveAll(confDir) }()

	confFile := filepath.Join(confDir, "quotamgrd.conf")
	err = ioutil.WriteFile(confFile, []byte(testConfFileContents), 0644)
	if nil != err {
		t.Fatalf("ioutil.WriteFile() returned error: %v", err)
	}

	errChan := make(chan error, 1) // Must be buffered to avoid race

	go Daemon(confFile, []string{}, errChan, &wg, []string{"quotamgrd", confFile},
		unix.SIGHUP, unix.SIGINT, unix.SIGTERM)

	err = <-errChan
	if nil != err {
		t.Fatalf("Daemon() startup failed: %v", err)
	}

	// SIGHUP should reload the conf without exiting
	err = unix.Kill(unix.Getpid(), unix.SIGHUP)
	if nil != err {
		t.Fatalf("unix.Kill(, SIGHUP) returned error: %v", err)
	}

	// give the reload a moment; a failed reload would land on errChan
	select {
	case err = <-errChan:
		t.Fatalf("Daemon() exited on SIGHUP: %v", err)
	case <-time.After(500 * time.Millisecond):
		// still running, as expected
	}

	// SIGTERM signals normal termination
	err = unix.Kill(unix.Getpid(), unix.SIGTERM)
	if nil != err {
		t.Fatalf("unix.Kill(, SIGTERM) returned error: %v", err)
	}

	err = <-errChan
	if nil != err {
		t.Fatalf("Daemon() exited with error: %v", err)
	}

	wg.Wait()
}
