package phy

import (
	"encoding/binary"
	"fmt"

	"github.com/linht/phy-manager/radio"
)

// CalCache keeps the results of the last successful calibration so that a
// ConfigDev cycle can load them instead of recalibrating cold.
type CalCache struct {
	Header     uint32
	Radio      [radio.RadioCalSize]byte
	VCO        [radio.VcoCalSize]byte
	RSSIOffset int16
	FreqOffset int32
}

// Valid reports whether the cache holds calibration results
func (c CalCache) Valid() bool {
	return c.Header == radio.CalHeaderValid
}

// writeCalCache stages the cache, or the empty marker when there is none
func writeCalCache(t *radio.Transport, c *CalCache) error {
	var hdr [4]byte
	if !c.Valid() {
		binary.LittleEndian.PutUint32(hdr[:], radio.CalHeaderEmpty)
		return t.WriteBytes(radio.RegCalHeader, hdr[:])
	}
	if err := t.WriteBytes(radio.RegRadioCal, c.Radio[:]); err != nil {
		return fmt.Errorf("radio calibration block: %w", err)
	}
	if err := t.WriteBytes(radio.RegVcoCal, c.VCO[:]); err != nil {
		return fmt.Errorf("vco calibration block: %w", err)
	}
	binary.LittleEndian.PutUint32(hdr[:], c.Header)
	return t.WriteBytes(radio.RegCalHeader, hdr[:])
}

// readCalResults captures the calibration register blocks into a fresh cache
func readCalResults(t *radio.Transport, prev *CalCache) (CalCache, error) {
	c := CalCache{
		Header:     radio.CalHeaderValid,
		RSSIOffset: prev.RSSIOffset,
		FreqOffset: prev.FreqOffset,
	}
	if err := t.ReadBytes(radio.RegRadioCal, c.Radio[:]); err != nil {
		return CalCache{}, err
	}
	if err := t.ReadBytes(radio.RegVcoCal, c.VCO[:]); err != nil {
		return CalCache{}, err
	}
	return c, nil
}
