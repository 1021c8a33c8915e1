// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/quotamgr/conf"
)

var (
	logFile      *os.File     = nil
	logFilePath  string       = ""
	logOutput    *multiWriter = &multiWriter{}
	extraTargets []io.Writer  // added via AddLogTarget(); preserved across reconfig
)

// Up initializes logging output and levels from the [Logging] section of the
// supplied confMap. Package transitions registers this package on behalf of
// all others, so Up() is invoked before any other package's Up().
func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	// NOTE: We always enable max logging in logrus, and either decide in
	//       this package whether to log OR log everything and parse it out of
	//       the logs after the fact
	log.SetLevel(log.DebugLevel)

	err = applyConfMap(confMap)

	return
}

func SignaledStart(confMap conf.ConfMap) (err error) {
	err = nil
	return
}

// SignaledFinish re-applies the [Logging] section of the confMap. A changed
// LogFilePath results in the old log file being closed and the new one opened,
// so a SIGHUP following log rotation lands here.
func SignaledFinish(confMap conf.ConfMap) (err error) {
	err = applyConfMap(confMap)
	return
}

func Down(confMap conf.ConfMap) (err error) {
	// We open and close our own logfile
	if nil != logFile {
		logFile.Close()
		logFile = nil
	}
	logFilePath = ""
	extraTargets = nil
	logOutput = &multiWriter{}

	log.SetOutput(os.Stderr)

	err = nil
	return
}

func applyConfMap(confMap conf.ConfMap) (err error) {
	var (
		debugConfSlice []string
		logToConsole   bool
		newLogFilePath string
		output         *multiWriter
		traceConfSlice []string
		writer         io.Writer
	)

	// Fetch log file info, if provided
	newLogFilePath, _ = confMap.FetchOptionValueString("Logging", "LogFilePath")

	if newLogFilePath != logFilePath {
		if nil != logFile {
			logFile.Close()
			logFile = nil
		}
		logFilePath = newLogFilePath
	}

	if ("" != logFilePath) && (nil == logFile) {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			log.Errorf("couldn't open log file: %v", err)
			return
		}
	}

	// Determine whether we should log to console. Default is false.
	logToConsole, err = confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = false
		err = nil
	}

	output = &multiWriter{}
	if nil == logFile {
		// Accept the default destination of stderr
		output.addWriter(os.Stderr)
	} else {
		output.addWriter(logFile)
		if logToConsole {
			output.addWriter(os.Stderr)
		}
	}
	for _, writer = range extraTargets {
		output.addWriter(writer)
	}

	logOutput = output
	log.SetOutput(logOutput)

	// Fetch trace and debug log settings, if provided
	traceConfSlice, _ = confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ = confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	return
}

func addLogTarget(writer io.Writer) {
	extraTargets = append(extraTargets, writer)
	logOutput.addWriter(writer)
}

// multiWriter mirrors io.MultiWriter but allows targets to be added
// after the fact, which io.MultiWriter does not.
type multiWriter struct {
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.writers = append(mw.writers, writer)
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	// Write to every target; the last target's result is returned
	for _, writer := range mw.writers {
		n, err = writer.Write(p)
	}
	return
}
