// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package quotamgrd hosts the quota control plane daemon: it brings the
// registered packages up via transitions, then services signals until
// told to exit (SIGHUP reloads the conf file; SIGINT/SIGTERM shut down).
package quotamgrd

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/quotamgr/conf"
	"github.com/NVIDIA/quotamgr/logger"
	"github.com/NVIDIA/quotamgr/transitions"
	"github.com/NVIDIA/quotamgr/version"

	// Force importing of the "top-most" packages so their transitions
	// registrations (and the ram backend provider) are linked in
	_ "github.com/NVIDIA/quotamgr/httpserver"
	_ "github.com/NVIDIA/quotamgr/qrpc"
	_ "github.com/NVIDIA/quotamgr/ramquota"
	_ "github.com/NVIDIA/quotamgr/statslogger"
)

// Daemon is launched as a GoRoutine that launches the quota control plane.
// During startup, the parent should read errChan to await Daemon getting to
// the point where it is ready to handle the specified signal set. Any errors
// encountered before or after this point will be sent to errChan (and be
// non-nil of course).
func Daemon(confFile string, confStrings []string, errChan chan error, wg *sync.WaitGroup, execArgs []string, signals ...os.Signal) {
	var (
		confMap        conf.ConfMap
		err            error
		signalReceived os.Signal
	)

	// Compute confMap

	confMap, err = conf.MakeConfMapFromFile(confFile)
	if nil != err {
		errChan <- err

		return
	}

	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		errChan <- err

		return
	}

	// Optionally launch an embedded HTTP Server for Golang runtime access;
	// this should be done before transitions.Up() is called so it is
	// available if transitions.Up() hangs
	debugServerPortAsUint16, err := confMap.FetchOptionValueUint16("QuotaMgrDebug", "DebugServerPort")
	if nil == err && uint16(0) != debugServerPortAsUint16 {
		debugServerPortAsString := fmt.Sprintf("%d", debugServerPortAsUint16)
		logger.Infof("quotamgrd.Daemon() starting debug HTTP Server on localhost:%s", debugServerPortAsString)
		go http.ListenAndServe("localhost:"+debugServerPortAsString, nil)
	}

	// Arm signal handler used to catch signals
	//
	// Note: signalChan must be buffered to avoid race with window between
	// arming handler and blocking on the chan read when signals might
	// otherwise be lost.  No signals will be processed until
	// transitions.Up() finishes, but an incoming SIGHUP will not cause the
	// process to immediately exit.
	signalChan := make(chan os.Signal, 16)

	// if signals is empty it means "catch all signals" it is possible to catch
	signal.Notify(signalChan, signals...)

	// Start up dæmon packages

	err = transitions.Up(confMap)
	if nil != err {
		errChan <- err
		return
	}
	wg.Add(1)
	logger.Infof("quotamgrd is starting up (version %s) (PID %d); invoked as '%s'",
		version.QuotaMgrVersion, os.Getpid(), strings.Join(execArgs, "' '"))
	defer func() {
		logger.Infof("quotamgrd is shutting down (PID %d)", os.Getpid())
		err = transitions.Down(confMap)
		if nil != err {
			logger.Errorf("transitions.Down() failed: %v", err)
		}
		errChan <- err
		wg.Done()
	}()

	// indicate transitions finished and signal handlers have been armed successfully
	errChan <- nil

	// Await a signal - reloading confFile each SIGHUP - exiting otherwise
	for {
		signalReceived = <-signalChan
		logger.Infof("Received signal: '%v'", signalReceived)

		// these signals are normally ignored, but if "signals..." above is empty
		// they are delivered via the channel.  we should simply ignore them.
		if signalReceived == unix.SIGCHLD || signalReceived == unix.SIGURG ||
			signalReceived == unix.SIGWINCH || signalReceived == unix.SIGCONT {
			logger.Infof("Ignored signal: '%v'", signalReceived)
			continue
		}

		// we can get SIGPIPE whenever an RPC or HTTP client closes a
		// socket on us, so ignore it
		if signalReceived == unix.SIGPIPE {
			logger.Infof("Ignored signal: '%v'", signalReceived)
			continue
		}

		// SIGHUP means reconfig but any other signal means time to exit
		if unix.SIGHUP != signalReceived {
			logger.Infof("signal catcher is shutting down quotamgrd (PID %d)", os.Getpid())

			if signalReceived != unix.SIGTERM && signalReceived != unix.SIGINT {
				logger.Errorf("quotamgrd received unexpected signal: %v", signalReceived)
			}

			return
		}

		// caught SIGHUP -- recompute confMap and re-apply
		confMap, err = conf.MakeConfMapFromFile(confFile)
		if nil != err {
			err = fmt.Errorf("failed to load updated config: %v", err)
			errChan <- err
			return
		}

		err = confMap.UpdateFromStrings(confStrings)
		if nil != err {
			err = fmt.Errorf("failed to reapply config overrides: %v", err)
			errChan <- err
			return
		}

		err = transitions.Signaled(confMap)
		if nil != err {
			err = fmt.Errorf("transitions.Signaled() failed: %v", err)
			errChan <- err
			return
		}
	}
}
