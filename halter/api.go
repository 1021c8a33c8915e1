package halter

import (
	"fmt"
	"os"
	"syscall"
)

// Note 1: Following const block and HaltLabelStrings should be kept in sync
// Note 2: HaltLabelStrings should be easily parseable as URL components

const (
	apiTestHaltLabel1 = iota
	apiTestHaltLabel2
	RamQuotaSetLimitsUsageEntry
	RamQuotaSetLimitsUsageExit
	DispatchQuotaCtlEntry
	DispatchQuotaCtlExit
)

var (
	HaltLabelStrings = []string{
		"halter.testHaltLabel1",
		"halter.testHaltLabel2",
		"ramquota.setLimitsUsage_Entry",
		"ramquota.setLimitsUsage_Exit",
		"qdispatch.quotaCtl_Entry",
		"qdispatch.quotaCtl_Exit",
	}
)

// Arm sets up a HALT on the haltAfterCount'd call to Trigger()
func Arm(haltLabelString string, haltAfterCount uint32) {
	globals.Lock()
	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		err := fmt.Errorf("halter.Arm(haltLabelString='%v',) - label unknown", haltLabelString)
		haltWithErr(err)
	}
	if 0 == haltAfterCount {
		err := fmt.Errorf("halter.Arm(haltLabel==%v,) called with haltAfterCount==0", haltLabelString)
		haltWithErr(err)
	}
	globals.armedTriggers[haltLabel] = haltAfterCount
	globals.Unlock()
}

// Disarm removes a previously armed trigger via a call to Arm()
func Disarm(haltLabelString string) {
	globals.Lock()
	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		err := fmt.Errorf("halter.Disarm(haltLabelString='%v') - label unknown", haltLabelString)
		haltWithErr(err)
	}
	delete(globals.armedTriggers, haltLabel)
	globals.Unlock()
}

// Stat returns the remaining haltAfterCount for an armed trigger (zero if it
// is not armed) or an error if the label is unknown.
//
// Unlike Arm() and Disarm(), an unknown label does not HALT; Stat() is how
// label strings arriving from outside (e.g. the HTTP trigger endpoint) are
// validated.
func Stat(haltLabelString string) (haltAfterCount uint32, err error) {
	globals.Lock()
	defer globals.Unlock()
	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		err = fmt.Errorf("halter.Stat(haltLabelString='%v') - label unknown", haltLabelString)
		return
	}
	haltAfterCount = globals.armedTriggers[haltLabel]
	err = nil
	return
}

// Trigger decrements the haltAfterCount if armed and, should it reach 0, HALTs
func Trigger(haltLabel uint32) {
	globals.Lock()
	numTriggersRemaining, armed := globals.armedTriggers[haltLabel]
	if !armed {
		globals.Unlock()
		return
	}
	numTriggersRemaining--
	if 0 == numTriggersRemaining {
		err := fmt.Errorf("halter.TriggerArm(haltLabelString==%v) triggered HALT", globals.triggerNumbersToNames[haltLabel])
		haltWithErr(err)
	}
	globals.armedTriggers[haltLabel] = numTriggersRemaining
	globals.Unlock()
}

// TriggerWithError decrements the haltAfterCount if armed and, should it
// reach 0, returns triggerErr instead of HALTing. The trigger remains armed
// at count 0 so every subsequent call keeps returning triggerErr until
// Disarm()'d. Backends use this to inject operation failures in tests.
func TriggerWithError(haltLabel uint32, triggerErr error) (err error) {
	globals.Lock()
	defer globals.Unlock()
	numTriggersRemaining, armed := globals.armedTriggers[haltLabel]
	if !armed {
		return nil
	}
	if 0 == numTriggersRemaining {
		return triggerErr
	}
	numTriggersRemaining--
	globals.armedTriggers[haltLabel] = numTriggersRemaining
	if 0 == numTriggersRemaining {
		return triggerErr
	}
	return nil
}

// Dump returns a map of currently armed triggers and their remaining trigger count
func Dump() (armedTriggers map[string]uint32) {
	globals.Lock()
	defer globals.Unlock()
	armedTriggers = make(map[string]uint32)
	for k, v := range globals.armedTriggers {
		armedTriggers[globals.triggerNumbersToNames[k]] = v
	}
	return
}

// List returns a slice of available triggers
func List() (availableTriggers []string) {
	availableTriggers = make([]string, 0, len(globals.triggerNumbersToNames))
	for k := range globals.triggerNamesToNumbers {
		availableTriggers = append(availableTriggers, k)
	}
	return
}

func haltWithErr(err error) {
	if nil == globals.testModeHaltCB {
		fmt.Println(err)
		os.Exit(int(syscall.SIGKILL))
	} else {
		globals.testModeHaltCB(err)
	}
}
