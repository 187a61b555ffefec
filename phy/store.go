package phy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linht/phy-manager/radio"
)

// Store persists the TX-power table and the calibration cache across
// restarts as a YAML file.
type Store struct {
	path string
	log  *slog.Logger
}

// NewStore returns a store backed by path. A nil log uses slog.Default().
func NewStore(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, log: log}
}

type storedCal struct {
	Radio      string `yaml:"radio"`
	VCO        string `yaml:"vco"`
	RSSIOffset int16  `yaml:"rssi_offset"`
	FreqOffset int32  `yaml:"freq_offset"`
}

type storedState struct {
	PowerTable  map[string]PowerSetting `yaml:"power_table"`
	Calibration *storedCal              `yaml:"calibration,omitempty"`
}

// Load reads the persisted state. A missing file yields the defaults.
func (s *Store) Load() (PowerTable, CalCache, error) {
	table := DefaultPowerTable
	var cache CalCache

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Info("No radio state stored yet", "path", s.path)
		return table, cache, nil
	}
	if err != nil {
		return table, cache, fmt.Errorf("failed to read radio state: %w", err)
	}

	var st storedState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return table, cache, fmt.Errorf("%w: radio state %s: %w", radio.ErrInvalidConfig, s.path, err)
	}
	for name, setting := range st.PowerTable {
		l, err := ParsePowerLevel(name)
		if err != nil {
			return table, cache, err
		}
		table[l] = setting
	}
	if st.Calibration != nil {
		if err := decodeHex(st.Calibration.Radio, cache.Radio[:]); err != nil {
			return table, CalCache{}, fmt.Errorf("radio calibration: %w", err)
		}
		if err := decodeHex(st.Calibration.VCO, cache.VCO[:]); err != nil {
			return table, CalCache{}, fmt.Errorf("vco calibration: %w", err)
		}
		cache.Header = radio.CalHeaderValid
		cache.RSSIOffset = st.Calibration.RSSIOffset
		cache.FreqOffset = st.Calibration.FreqOffset
	}
	return table, cache, nil
}

// Save writes table and, when valid, the calibration cache
func (s *Store) Save(table PowerTable, cache CalCache) error {
	st := storedState{PowerTable: make(map[string]PowerSetting, NumPowerLevels)}
	for l := PowerLevel(0); l < NumPowerLevels; l++ {
		st.PowerTable[l.String()] = table[l]
	}
	if cache.Valid() {
		st.Calibration = &storedCal{
			Radio:      hex.EncodeToString(cache.Radio[:]),
			VCO:        hex.EncodeToString(cache.VCO[:]),
			RSSIOffset: cache.RSSIOffset,
			FreqOffset: cache.FreqOffset,
		}
	}
	data, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("failed to encode radio state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write radio state: %w", err)
	}
	return nil
}

func decodeHex(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %w", radio.ErrInvalidConfig, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%w: %d bytes, want %d", radio.ErrInvalidConfig, len(b), len(dst))
	}
	copy(dst, b)
	return nil
}
