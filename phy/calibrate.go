package phy

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/linht/phy-manager/radio"
)

const (
	rssiSamples = 20
	rssiSettle  = 2 * time.Millisecond
	freqSettle  = 5 * time.Millisecond
)

// AutoCalibrate runs the offline calibration patch and, on success, caches
// the radio and VCO calibration blocks for Ready to load. A failed
// calibration returns false and keeps the previous cache.
func (p *PHY) AutoCalibrate() (bool, error) {
	if err := p.requireIdle("auto calibrate"); err != nil {
		return false, err
	}
	patch := p.opts.CalPatch
	if patch == nil {
		return false, fmt.Errorf("%w: no calibration patch configured", radio.ErrInvalidOperation)
	}
	b := p.opts.Budgets

	p.state &^= Ready | Configured
	p.stale = true
	p.unsettled = false
	if err := p.t.Reset(b.Reset); err != nil {
		return false, fmt.Errorf("calibration: %w", err)
	}
	p.irq.Reset()
	patch.Forget()

	if err := p.t.LoadPatch(patch); err != nil {
		return false, fmt.Errorf("calibration: %w", err)
	}
	if err := p.t.VerifyPatch(patch); err != nil {
		return false, fmt.Errorf("calibration: %w", err)
	}
	var frf [4]byte
	binary.LittleEndian.PutUint32(frf[:], Frf(p.opts.CalFrequency))
	if err := p.t.WriteBytes(radio.RegFrf, frf[:]); err != nil {
		return false, fmt.Errorf("calibration: %w", err)
	}
	if err := p.t.InjectPatch(patch, true); err != nil {
		return false, fmt.Errorf("calibration: %w", err)
	}
	// past this point a failure must not leave the patch armed for the
	// next ConfigDev cycle
	abort := func(err error) (bool, error) {
		p.unsettled = true
		if ejErr := p.t.EjectPatch(patch, false); ejErr != nil {
			p.log.Warn("Failed to eject calibration patch", "error", ejErr)
		}
		return false, fmt.Errorf("calibration: %w", err)
	}
	if err := p.t.GoTo(radio.StateConfigDev, b.Config); err != nil {
		return abort(err)
	}
	if err := p.t.GoTo(radio.StateOn, b.State); err != nil {
		return abort(err)
	}
	if err := p.t.WriteWord(radio.RegCalMask, p.opts.CalMask); err != nil {
		return abort(err)
	}
	// the firmware drops back to On by itself once done
	if _, err := p.t.CommandAndPoll(radio.PollRequest{
		Command:   radio.StateCommand(radio.StateCalibrating),
		WaitState: true,
		Target:    radio.StateOn,
		Budget:    b.Calibration,
	}); err != nil {
		return abort(err)
	}

	res, err := p.t.ReadWord(radio.RegCalResult)
	if err != nil {
		return abort(fmt.Errorf("result: %w", err))
	}
	pass := res&(radio.ResultDone|radio.ResultPass) == radio.ResultDone|radio.ResultPass
	if pass {
		cache, err := readCalResults(p.t, &p.cache)
		if err != nil {
			return abort(fmt.Errorf("results: %w", err))
		}
		p.cache = cache
		p.state |= Calibrated
	}
	if err := p.t.EjectPatch(patch, true); err != nil {
		return false, fmt.Errorf("calibration: %w", err)
	}
	p.log.Info("Calibration finished", "pass", pass, "result", fmt.Sprintf("0x%08X", res))
	return pass, nil
}

// RSSICalibrate calibrates, then measures the channel in CCA with a live
// detection time against a reference level of refDbm and stores the mean
// error as the RSSI offset.
func (p *PHY) RSSICalibrate(refDbm int16) (bool, error) {
	ok, err := p.AutoCalibrate()
	if err != nil || !ok {
		return ok, err
	}
	if err := p.Ready(); err != nil {
		return false, fmt.Errorf("rssi calibration: %w", err)
	}
	if err := p.t.WriteInt16(radio.RegRssiOffset, 0); err != nil {
		return false, fmt.Errorf("rssi calibration: %w", err)
	}
	prev, err := p.t.ReadUint16(radio.RegCcaTime)
	if err != nil {
		return false, fmt.Errorf("rssi calibration: %w", err)
	}
	if err := p.t.WriteUint16(radio.RegCcaTime, 0); err != nil {
		return false, fmt.Errorf("rssi calibration: %w", err)
	}

	p.state |= NoiseMeasuring
	offset, serr := p.sampleOffset(refDbm)
	rerr := p.leaveCCA(prev)
	p.state &^= NoiseMeasuring
	if serr != nil {
		p.unsettled = true
		return false, fmt.Errorf("rssi calibration: %w", serr)
	}
	if rerr != nil {
		p.unsettled = true
		return false, fmt.Errorf("rssi calibration: %w", rerr)
	}

	if err := p.t.WriteInt16(radio.RegRssiOffset, offset); err != nil {
		return false, fmt.Errorf("rssi calibration: %w", err)
	}
	p.cache.RSSIOffset = offset
	p.log.Info("RSSI calibrated", "reference", refDbm, "offset", offset)
	return true, nil
}

// sampleOffset enters CCA and averages the error of rssiSamples readings
func (p *PHY) sampleOffset(refDbm int16) (int16, error) {
	if err := p.t.GoTo(radio.StateCCA, p.opts.Budgets.State); err != nil {
		return 0, err
	}
	p.opts.Sleep(rssiSettle)
	var sum int32
	for i := 0; i < rssiSamples; i++ {
		v, err := p.t.ReadInt16(radio.RegRssi)
		if err != nil {
			return 0, err
		}
		sum += int32(refDbm) - int32(v)
	}
	return int16(math.Round(float64(sum) / rssiSamples)), nil
}

// leaveCCA returns to On and restores the detection time
func (p *PHY) leaveCCA(ccaTime uint16) error {
	if err := p.t.GoTo(radio.StateOn, p.opts.Budgets.State); err != nil {
		return err
	}
	return p.t.WriteUint16(radio.RegCcaTime, ccaTime)
}

// FrequencyCalibrate listens to a reference carrier on the current channel
// and folds the estimated frequency error into the correction register.
// It returns the new correction in Hz.
func (p *PHY) FrequencyCalibrate() (int32, error) {
	if err := p.prepare("frequency calibration", radio.IrqHwError); err != nil {
		return 0, err
	}
	b := p.opts.Budgets
	if err := p.t.GoTo(radio.StateRx, b.State); err != nil {
		p.unsettled = true
		return 0, fmt.Errorf("frequency calibration: %w", err)
	}
	p.opts.Sleep(freqSettle)
	ferr, err := p.t.ReadInt32(radio.RegFreqError)
	if err != nil {
		p.unsettled = true
		return 0, fmt.Errorf("frequency calibration: %w", err)
	}
	if err := p.t.GoTo(radio.StateOn, b.State); err != nil {
		p.unsettled = true
		return 0, fmt.Errorf("frequency calibration: %w", err)
	}
	offset := p.cache.FreqOffset - ferr
	if err := p.t.WriteInt32(radio.RegFreqOffset, offset); err != nil {
		return 0, fmt.Errorf("frequency calibration: %w", err)
	}
	p.cache.FreqOffset = offset
	p.log.Info("Frequency calibrated", "error", ferr, "offset", offset)
	return offset, nil
}
