// Package hal is the Linux platform below the radio driver: the SPI port the
// transport exchanges over and the GPIO lines for reset, PA switching,
// trigger pulses and interrupt edges.
package hal

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

var (
	hostOnce sync.Once
	hostErr  error
)

// initHost loads the periph.io driver registry once per process
func initHost() error {
	hostOnce.Do(func() {
		if _, err := host.Init(); err != nil {
			hostErr = fmt.Errorf("failed to initialize periph.io: %w", err)
		}
	})
	return hostErr
}

// SPIDevice is a periph.io SPI port connected in mode 0 with 8-bit words.
// It implements radio.Conn and radio.ClockSetter.
type SPIDevice struct {
	mu     sync.Mutex
	conn   spi.Conn
	port   spi.PortCloser
	device string
	speed  physic.Frequency
}

// NewSPIDevice opens device (e.g. "/dev/spidev0.0" or "SPI0.0") at speed
func NewSPIDevice(device string, speed physic.Frequency) (*SPIDevice, error) {
	if err := initHost(); err != nil {
		return nil, err
	}
	s := &SPIDevice{device: device}
	if err := s.open(speed); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SPIDevice) open(speed physic.Frequency) error {
	port, err := spireg.Open(s.device)
	if err != nil {
		return fmt.Errorf("failed to open SPI device %s: %w", s.device, err)
	}
	conn, err := port.Connect(speed, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return fmt.Errorf("failed to connect to SPI device %s at %s: %w", s.device, speed, err)
	}
	s.port = port
	s.conn = conn
	s.speed = speed
	return nil
}

// Tx performs one full-duplex exchange with chip select held for its duration
func (s *SPIDevice) Tx(w, r []byte) error {
	if len(w) != len(r) {
		return fmt.Errorf("tx and rx buffers must be the same length")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("SPI device %s not open", s.device)
	}
	if err := s.conn.Tx(w, r); err != nil {
		return fmt.Errorf("SPI transfer failed: %w", err)
	}
	return nil
}

// SetClock reconnects the port at f. periph.io fixes the clock at Connect
// time so the port is reopened.
func (s *SPIDevice) SetClock(f physic.Frequency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && f == s.speed {
		return nil
	}
	if s.port != nil {
		if err := s.port.Close(); err != nil {
			return fmt.Errorf("failed to close SPI device %s: %w", s.device, err)
		}
		s.port, s.conn = nil, nil
	}
	return s.open(f)
}

// Speed returns the current bus clock
func (s *SPIDevice) Speed() physic.Frequency {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// Info describes the device for status reporting
func (s *SPIDevice) Info() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Sprintf("Device: %s (closed)", s.device)
	}
	return fmt.Sprintf("Device: %s, Speed: %s", s.device, s.speed)
}

// Close releases the port
func (s *SPIDevice) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
