// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/NVIDIA/quotamgr/blunder"
	"github.com/NVIDIA/quotamgr/bucketstats"
	"github.com/NVIDIA/quotamgr/halter"
	"github.com/NVIDIA/quotamgr/qvol"
	"github.com/NVIDIA/quotamgr/stats"
	"github.com/NVIDIA/quotamgr/utils"
)

type httpRequestHandler struct{}

func serveHTTP() {
	_ = http.Serve(globals.netListener, httpRequestHandler{})
	globals.wg.Done()
}

func (h httpRequestHandler) ServeHTTP(responseWriter http.ResponseWriter, request *http.Request) {
	globals.Lock()
	if globals.active {
		stats.IncrementOperations(&stats.HTTPRequests)
		switch request.Method {
		case http.MethodGet:
			doGet(responseWriter, request)
		case http.MethodPost:
			doPost(responseWriter, request)
		case http.MethodDelete:
			doDelete(responseWriter, request)
		default:
			responseWriter.WriteHeader(http.StatusMethodNotAllowed)
		}
	} else {
		responseWriter.WriteHeader(http.StatusServiceUnavailable)
	}
	globals.Unlock()
}

func doGet(responseWriter http.ResponseWriter, request *http.Request) {
	path := strings.TrimRight(request.URL.Path, "/")

	switch {
	case "/config" == path:
		doGetOfConfig(responseWriter, request)
	case "/metrics" == path:
		doGetOfMetrics(responseWriter, request)
	case "/stats" == path:
		doGetOfStats(responseWriter, request)
	case "/volume" == path:
		doGetOfVolume(responseWriter, request)
	case "/trigger" == path:
		doGetOfTrigger(responseWriter, request)
	default:
		stats.IncrementOperations(&stats.HTTPErrors)
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

func doPost(responseWriter http.ResponseWriter, request *http.Request) {
	path := strings.TrimRight(request.URL.Path, "/")

	switch {
	case strings.HasPrefix(path, "/volume/"):
		doPostOfVolume(responseWriter, request, path)
	case strings.HasPrefix(path, "/trigger/"):
		doPostOfTrigger(responseWriter, request, path)
	default:
		stats.IncrementOperations(&stats.HTTPErrors)
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

func doDelete(responseWriter http.ResponseWriter, request *http.Request) {
	path := strings.TrimRight(request.URL.Path, "/")

	if strings.HasPrefix(path, "/trigger/") {
		doDeleteOfTrigger(responseWriter, request, path)
	} else {
		stats.IncrementOperations(&stats.HTTPErrors)
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(responseWriter http.ResponseWriter, request *http.Request, toMarshal interface{}) {
	var (
		marshaled      []byte
		marshaledBytes bytes.Buffer
		paramList      []string
		sendPacked     bool
	)

	paramList, ok := request.URL.Query()["compact"]
	if ok && (0 != len(paramList)) {
		sendPacked = !((paramList[0] == "") || (paramList[0] == "0") || (paramList[0] == "false"))
	}

	marshaled, err := json.Marshal(toMarshal)
	if nil != err {
		stats.IncrementOperations(&stats.HTTPErrors)
		responseWriter.WriteHeader(http.StatusInternalServerError)
		return
	}

	responseWriter.Header().Set("Content-Type", "application/json")
	responseWriter.WriteHeader(http.StatusOK)

	if sendPacked {
		_, _ = responseWriter.Write(marshaled)
	} else {
		_ = json.Indent(&marshaledBytes, marshaled, "", "\t")
		_, _ = responseWriter.Write(marshaledBytes.Bytes())
		_, _ = responseWriter.Write(utils.StringToByteSlice("\n"))
	}
}

func doGetOfConfig(responseWriter http.ResponseWriter, request *http.Request) {
	writeJSON(responseWriter, request, globals.confMap)
}

func doGetOfMetrics(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		memStats runtime.MemStats
		statsMap map[string]uint64
	)

	statsMap = stats.Dump()

	runtime.ReadMemStats(&memStats)
	statsMap["go_runtime_MemStats_Alloc"] = memStats.Alloc
	statsMap["go_runtime_MemStats_TotalAlloc"] = memStats.TotalAlloc
	statsMap["go_runtime_MemStats_Sys"] = memStats.Sys
	statsMap["go_runtime_MemStats_HeapAlloc"] = memStats.HeapAlloc
	statsMap["go_runtime_MemStats_HeapInuse"] = memStats.HeapInuse
	statsMap["go_runtime_MemStats_NumGC"] = uint64(memStats.NumGC)
	statsMap["go_runtime_MemStats_PauseTotalNs"] = memStats.PauseTotalNs

	writeJSON(responseWriter, request, statsMap)
}

func doGetOfStats(responseWriter http.ResponseWriter, request *http.Request) {
	responseWriter.Header().Set("Content-Type", "text/plain")
	responseWriter.WriteHeader(http.StatusOK)
	_, _ = responseWriter.Write(utils.StringToByteSlice(bucketstats.SprintStats(bucketstats.StatFormatParsable1, "*", "*")))
}

func doGetOfVolume(responseWriter http.ResponseWriter, request *http.Request) {
	writeJSON(responseWriter, request, qvol.GetVolumeReports())
}

// doPostOfVolume handles /volume/<device>/{freeze|thaw}; the device path
// itself contains slashes, so the action is split off the tail.
func doPostOfVolume(responseWriter http.ResponseWriter, request *http.Request, path string) {
	var (
		device string
		err    error
	)

	switch {
	case strings.HasSuffix(path, "/freeze"):
		device = strings.TrimSuffix(strings.TrimPrefix(path, "/volume"), "/freeze")
		err = qvol.Freeze(device)
	case strings.HasSuffix(path, "/thaw"):
		device = strings.TrimSuffix(strings.TrimPrefix(path, "/volume"), "/thaw")
		err = qvol.Thaw(device)
	default:
		stats.IncrementOperations(&stats.HTTPErrors)
		responseWriter.WriteHeader(http.StatusNotFound)
		return
	}

	if nil == err {
		responseWriter.WriteHeader(http.StatusNoContent)
		return
	}

	stats.IncrementOperations(&stats.HTTPErrors)
	if blunder.Is(err, blunder.DeviceNotFoundError) {
		responseWriter.WriteHeader(http.StatusNotFound)
	} else {
		responseWriter.WriteHeader(http.StatusConflict)
	}
}

func doGetOfTrigger(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		armedOnlyAsString string
		armedTriggers     map[string]uint32
		triggerMap        map[string]uint32
	)

	armedTriggers = halter.Dump()

	armedOnlyAsString = request.FormValue("armed")
	if "" == armedOnlyAsString {
		triggerMap = make(map[string]uint32)
		for _, haltLabelString := range halter.List() {
			triggerMap[haltLabelString] = armedTriggers[haltLabelString]
		}
	} else {
		armedOnly, err := strconv.ParseBool(armedOnlyAsString)
		if nil != err {
			stats.IncrementOperations(&stats.HTTPErrors)
			responseWriter.WriteHeader(http.StatusBadRequest)
			return
		}
		if armedOnly {
			triggerMap = armedTriggers
		} else {
			triggerMap = make(map[string]uint32)
			for _, haltLabelString := range halter.List() {
				if _, ok := armedTriggers[haltLabelString]; !ok {
					triggerMap[haltLabelString] = 0
				}
			}
		}
	}

	writeJSON(responseWriter, request, triggerMap)
}

func doPostOfTrigger(responseWriter http.ResponseWriter, request *http.Request, path string) {
	var (
		haltAfterCount  uint64
		haltLabelString string
		err             error
	)

	haltLabelString = strings.TrimPrefix(path, "/trigger/")

	// validate label and count before Arm(); Arm() halts on bad input
	_, err = halter.Stat(haltLabelString)
	if nil != err {
		stats.IncrementOperations(&stats.HTTPErrors)
		responseWriter.WriteHeader(http.StatusNotFound)
		return
	}

	haltAfterCount, err = strconv.ParseUint(request.FormValue("count"), 10, 32)
	if (nil != err) || (0 == haltAfterCount) {
		stats.IncrementOperations(&stats.HTTPErrors)
		responseWriter.WriteHeader(http.StatusBadRequest)
		return
	}

	halter.Arm(haltLabelString, uint32(haltAfterCount))
	responseWriter.WriteHeader(http.StatusNoContent)
}

func doDeleteOfTrigger(responseWriter http.ResponseWriter, request *http.Request, path string) {
	haltLabelString := strings.TrimPrefix(path, "/trigger/")

	_, err := halter.Stat(haltLabelString)
	if nil != err {
		stats.IncrementOperations(&stats.HTTPErrors)
		responseWriter.WriteHeader(http.StatusNotFound)
		return
	}

	halter.Disarm(haltLabelString)
	responseWriter.WriteHeader(http.StatusNoContent)
}
