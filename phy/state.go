package phy

import "strings"

// DeviceState is the driver-side view of the radio. Busy states are masks
// over Ready.
type DeviceState uint16

const (
	Opened DeviceState = 1 << iota
	Initialized
	Configured
	Calibrated
	Ready
	Transmitting
	Receiving
	NoiseMeasuring
)

// Busy covers the states an operation in flight holds
const Busy = Transmitting | Receiving | NoiseMeasuring

var stateNames = []struct {
	flag DeviceState
	name string
}{
	{Opened, "opened"},
	{Initialized, "initialized"},
	{Configured, "configured"},
	{Calibrated, "calibrated"},
	{Ready, "ready"},
	{Transmitting, "transmitting"},
	{Receiving, "receiving"},
	{NoiseMeasuring, "noise-measuring"},
}

// Has reports whether every flag in f is set
func (s DeviceState) Has(f DeviceState) bool { return s&f == f }

// Busy reports whether an operation is in flight
func (s DeviceState) Busy() bool { return s&Busy != 0 }

func (s DeviceState) String() string {
	if s == 0 {
		return "not-opened"
	}
	var names []string
	for _, n := range stateNames {
		if s&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}
