package phy

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linht/phy-manager/radio"
)

// FStepHz is the synthesizer frequency resolution
const FStepHz = 32e6 / (1 << 19)

// Profile is a modulation profile: the register configuration blob plus the
// channel and framing parameters the sequencer refreshes on every operation.
type Profile struct {
	Name      string `yaml:"name" json:"name"`
	Frequency uint32 `yaml:"frequency" json:"frequency"` // Hz
	CRCLength uint8  `yaml:"crc_length" json:"crc_length"`
	Blob      string `yaml:"blob" json:"blob"` // register blob file, relative to the profile file

	Config *radio.Config `yaml:"-" json:"-"`
}

// NewProfile builds a profile from an in-memory register blob
func NewProfile(name string, frequency uint32, crcLength uint8, blob []byte) (*Profile, error) {
	p := &Profile{Name: name, Frequency: frequency, CRCLength: crcLength}
	if err := p.decode(blob); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadProfile reads a YAML profile description and the blob it references
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: profile %s: %w", radio.ErrInvalidConfig, path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if p.Blob == "" {
		return nil, fmt.Errorf("%w: profile %q names no blob", radio.ErrInvalidConfig, p.Name)
	}
	blob, err := os.ReadFile(filepath.Join(filepath.Dir(path), p.Blob))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob of profile %q: %w", p.Name, err)
	}
	if err := p.decode(blob); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) decode(blob []byte) error {
	cfg, err := radio.DecodeConfig(p.Name, blob)
	if err != nil {
		return fmt.Errorf("profile %q: %w", p.Name, err)
	}
	p.Config = cfg
	return nil
}

// Validate checks the framing parameters
func (p *Profile) Validate() error {
	if p.Frequency == 0 {
		return fmt.Errorf("%w: profile %q has no frequency", radio.ErrInvalidConfig, p.Name)
	}
	if err := checkCRCLength(p.CRCLength); err != nil {
		return fmt.Errorf("profile %q: %w", p.Name, err)
	}
	if p.Config == nil {
		return fmt.Errorf("%w: profile %q has no register configuration", radio.ErrInvalidConfig, p.Name)
	}
	return nil
}

// Frf converts a channel frequency into the synthesizer word
func Frf(hz uint32) uint32 {
	return uint32(math.Round(float64(hz) / FStepHz))
}

func checkCRCLength(n uint8) error {
	switch n {
	case 0, 1, 2, 4:
		return nil
	}
	return fmt.Errorf("%w: crc length %d", radio.ErrInvalidConfig, n)
}
