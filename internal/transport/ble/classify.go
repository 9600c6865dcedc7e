package ble

import "strings"

// Kind identifies which protocol family a discovered device speaks
// (§4.6).
type Kind string

const (
	KindTimerA  Kind = "timer-a"
	KindTimerB  Kind = "timer-b"
	KindSensor  Kind = "sensor-accel"
	KindUnknown Kind = "unknown"
)

const (
	nordicUARTSvc = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	nordicUARTTx  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	nordicUARTRx  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

	timerBNotifySvc = "0000fff1-0000-1000-8000-00805f9b34fb"

	sensorServiceUUID        = "0000ffe0-0000-1000-8000-00805f9b34fb"
	sensorManufID     uint16 = 0x5749 // assigned vendor ID for the WitMotion family
)

// ServiceUUIDs returns the service/write/notify UUIDs a session should
// use to connect to a device of the given kind (§6).
func ServiceUUIDs(k Kind) (service, write, notify string) {
	switch k {
	case KindTimerA:
		return nordicUARTSvc, nordicUARTTx, nordicUARTRx
	case KindTimerB:
		return timerBNotifySvc, "", timerBNotifySvc
	case KindSensor:
		return sensorServiceUUID, "", sensorServiceUUID
	default:
		return "", "", ""
	}
}

// Advertisement carries the fields the classifier needs, decoupled from
// the transport library's concrete scan-result type so Classify stays a
// pure, independently testable function (P8).
type Advertisement struct {
	Name           string
	Services       []string
	ManufacturerID uint16
}

// Classify maps an advertisement to a device Kind. It is a pure
// function of its input (name, services, manufacturer ID): the same
// advertisement always yields the same kind (P8). Rules are applied in
// order, case-insensitively, first match wins (§4.6).
func Classify(adv Advertisement) Kind {
	name := strings.ToUpper(adv.Name)

	switch {
	case strings.Contains(name, "AMG"), strings.HasPrefix(name, "COMMANDER"):
		return KindTimerA
	case hasService(adv.Services, nordicUARTSvc):
		return KindTimerA
	}

	switch {
	case strings.Contains(name, "SP"), strings.Contains(name, "SPECIAL PIE"):
		return KindTimerB
	case hasService(adv.Services, timerBNotifySvc):
		return KindTimerB
	}

	switch {
	case strings.Contains(name, "WITMOTION"), strings.Contains(name, "BT50"), strings.Contains(name, "WT50"):
		return KindSensor
	case adv.ManufacturerID == sensorManufID:
		return KindSensor
	case hasService(adv.Services, sensorServiceUUID):
		return KindSensor
	}

	return KindUnknown
}

func hasService(services []string, want string) bool {
	want = strings.ToLower(want)
	for _, s := range services {
		if strings.ToLower(s) == want {
			return true
		}
	}
	return false
}
