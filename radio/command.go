package radio

import (
	"errors"
	"fmt"
	"time"
)

// NoCommand leaves the command step of a poll request out
const NoCommand Command = 0x00

// Condition matches the status byte against a mask and one or two accepted patterns
type Condition struct {
	Mask   uint8
	Values []uint8
}

// Match reports whether s satisfies the condition
func (c *Condition) Match(s Status) bool {
	v := uint8(s) & c.Mask
	for _, want := range c.Values {
		if v == want&c.Mask {
			return true
		}
	}
	return false
}

// StatusIs builds a condition accepting up to two exact sub-state/state patterns
func StatusIs(mask uint8, values ...uint8) *Condition {
	if len(values) > 2 {
		values = values[:2]
	}
	return &Condition{Mask: mask, Values: values}
}

// Budget bounds a poll loop. Polls caps the number of NOP polls after the
// command and Timeout caps wall-clock time; whichever is set and reached first
// ends the loop. The zero Budget waits forever.
type Budget struct {
	Polls   int
	Timeout time.Duration
}

// Forever never declares exhaustion. Reserved for transitions known to always
// complete quickly.
var Forever = Budget{}

// Polls returns a poll-count budget
func Polls(n int) Budget { return Budget{Polls: n} }

func (b Budget) exhausted(polls int, start time.Time) bool {
	if b.Polls > 0 && polls >= b.Polls {
		return true
	}
	if b.Timeout > 0 && time.Since(start) >= b.Timeout {
		return true
	}
	return false
}

// PollRequest describes one command-and-poll operation
type PollRequest struct {
	// Command is sent first unless NoCommand
	Command Command
	// Condition, when set, must match the polled status
	Condition *Condition
	// WaitState requests polling until the firmware reports Target settled
	WaitState bool
	Target    State
	Budget    Budget
}

// Nop clocks a single status-only poll
func (t *Transport) Nop() (Status, error) {
	t.tx[0] = byte(CmdNop)
	if err := t.exchange(1, 0); err != nil {
		return t.status, err
	}
	return t.status, nil
}

// SendCommand issues one firmware command and returns the status clocked out
// with it, which reflects the state before the command executes.
func (t *Transport) SendCommand(c Command) (Status, error) {
	t.tx[0] = byte(c)
	if err := t.exchange(1, 0); err != nil {
		return t.status, err
	}
	return t.status, nil
}

// CommandAndPoll sends an optional command, then polls the status until the
// condition and/or target state match or the budget runs out. After any
// command other than reset the error code is checked when error checking is
// enabled.
func (t *Transport) CommandAndPoll(req PollRequest) (Status, error) {
	sent := req.Command != NoCommand
	if sent {
		if _, err := t.SendCommand(req.Command); err != nil {
			return t.status, fmt.Errorf("failed to send %s: %w", req.Command, err)
		}
	}

	var pollErr error
	if req.WaitState || req.Condition != nil {
		pollErr = t.poll(req)
		if pollErr != nil && !isExhausted(pollErr) {
			return t.status, pollErr
		}
	}

	if sent && req.Command != CmdReset && t.errCheck {
		if err := t.CheckError(); err != nil {
			return t.status, fmt.Errorf("after %s: %w", req.Command, err)
		}
	}
	if pollErr != nil {
		if sent {
			return t.status, fmt.Errorf("after %s: %w", req.Command, pollErr)
		}
		return t.status, pollErr
	}
	return t.status, nil
}

func (t *Transport) poll(req PollRequest) error {
	start := time.Now()
	for polls := 0; ; polls++ {
		if req.Budget.exhausted(polls, start) {
			return fmt.Errorf("%w: %d polls, last %s", ErrRetryExhausted, polls, t.status)
		}
		s, err := t.Nop()
		if err != nil {
			return err
		}
		if req.WaitState && (s.State() != req.Target || !s.Settled()) {
			continue
		}
		if req.Condition != nil && !req.Condition.Match(s) {
			continue
		}
		return nil
	}
}

func isExhausted(err error) bool {
	return errors.Is(err, ErrRetryExhausted)
}

// CheckError reads the device error code; a nonzero code is reported to the
// hardware error callback and returned as *HardwareError.
func (t *Transport) CheckError() error {
	w, err := t.ReadWord(RegErrorCode)
	if err != nil {
		return err
	}
	code := uint16(w)
	if code == 0 {
		return nil
	}
	t.errCode = code
	herr := &HardwareError{Code: code}
	t.log.Error("Radio hardware error", "code", fmt.Sprintf("0x%04X", code), "category", herr.Category().String())
	if t.onHwError != nil {
		t.onHwError(code)
	}
	return herr
}

// ClearError acknowledges a latched hardware error
func (t *Transport) ClearError() error {
	if _, err := t.SendCommand(CmdClearError); err != nil {
		return err
	}
	t.errCode = 0
	return nil
}

// GoTo requests firmware state s and waits until it is reported settled
func (t *Transport) GoTo(s State, budget Budget) error {
	_, err := t.CommandAndPoll(PollRequest{
		Command:   StateCommand(s),
		WaitState: true,
		Target:    s,
		Budget:    budget,
	})
	if err != nil {
		return fmt.Errorf("failed to enter %s: %w", s, err)
	}
	return nil
}

// WaitState polls without sending a command until the firmware settles in s
func (t *Transport) WaitState(s State, budget Budget) error {
	_, err := t.CommandAndPoll(PollRequest{WaitState: true, Target: s, Budget: budget})
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", s, err)
	}
	return nil
}

// Reset restarts the firmware and waits for it to settle in Off. The error
// code is not checked: reset leaves an indeterminate interim state. The bus
// falls back to the initial clock until the firmware is up again.
func (t *Transport) Reset(budget Budget) error {
	t.ptrs.invalidate()
	if _, err := t.SendCommand(CmdReset); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := t.SetClock(t.initialClock); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := t.WaitState(StateOff, budget); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	t.errCode = 0
	t.log.Debug("Radio firmware reset")
	return t.ApplyTargetClock()
}
