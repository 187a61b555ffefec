package phy

import (
	"fmt"

	"github.com/linht/phy-manager/radio"
)

// PowerLevel indexes the TX-power table
type PowerLevel uint8

const (
	PowerMin PowerLevel = iota
	PowerLow
	PowerMedium
	PowerHigh
	PowerMax
	NumPowerLevels
)

var powerNames = [...]string{"min", "low", "medium", "high", "max"}

func (l PowerLevel) String() string {
	if l < NumPowerLevels {
		return powerNames[l]
	}
	return fmt.Sprintf("level-%d", uint8(l))
}

// ParsePowerLevel maps a level name back to its index
func ParsePowerLevel(s string) (PowerLevel, error) {
	for i, n := range powerNames {
		if n == s {
			return PowerLevel(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown power level %q", radio.ErrInvalidOperation, s)
}

// PowerSetting is the PA trim written for one level
type PowerSetting struct {
	Coarse uint8 `yaml:"coarse" json:"coarse"`
	Fine   uint8 `yaml:"fine" json:"fine"`
	Micro  uint8 `yaml:"micro" json:"micro"`
}

// PowerTable holds one setting per level
type PowerTable [NumPowerLevels]PowerSetting

// DefaultPowerTable spans roughly -10 to +14 dBm
var DefaultPowerTable = PowerTable{
	PowerMin:    {Coarse: 0x01, Fine: 0x08, Micro: 0x00},
	PowerLow:    {Coarse: 0x02, Fine: 0x10, Micro: 0x00},
	PowerMedium: {Coarse: 0x04, Fine: 0x18, Micro: 0x04},
	PowerHigh:   {Coarse: 0x06, Fine: 0x20, Micro: 0x08},
	PowerMax:    {Coarse: 0x07, Fine: 0x3F, Micro: 0x0F},
}

func checkLevel(l PowerLevel) error {
	if l >= NumPowerLevels {
		return fmt.Errorf("%w: power level %d", radio.ErrInvalidOperation, l)
	}
	return nil
}
