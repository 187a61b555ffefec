package plugins

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/linht/phy-manager/hal"
	"github.com/linht/phy-manager/phy"
	"github.com/linht/phy-manager/radio"
	"github.com/linht/phy-manager/sim"
)

// SimDevice as spi_device selects the in-process simulated radio
const SimDevice = "sim"

// Event stream sizing
const (
	eventLogSize    = 64
	clientQueueSize = 32
)

// RadioConfig holds the radio plugin configuration
type RadioConfig struct {
	SPIDevice      string `yaml:"spi_device"`
	SPISpeed       uint32 `yaml:"spi_speed"`        // Hz until the firmware is up
	SPITargetSpeed uint32 `yaml:"spi_target_speed"` // Hz afterwards
	ErrorCheck     bool   `yaml:"error_check"`

	GPIO      hal.GPIOConfig `yaml:"gpio"`
	IrqPin    int            `yaml:"irq_pin"`
	TxTrigger struct {
		DevicePin int `yaml:"device_pin"` // device GPIO, negative when unused
		Line      int `yaml:"line"`       // index into gpio.trigger_pins
	} `yaml:"tx_trigger"`

	ProfileDir   string `yaml:"profile_dir"`
	Profile      string `yaml:"profile"`
	StorePath    string `yaml:"store_path"`
	CalPatch     string `yaml:"cal_patch"`
	CalFrequency uint32 `yaml:"cal_frequency"`

	Timeouts struct {
		State       time.Duration `yaml:"state"`
		Config      time.Duration `yaml:"config"`
		Calibration time.Duration `yaml:"calibration"`
		Reset       time.Duration `yaml:"reset"`
	} `yaml:"timeouts"`

	SimTick time.Duration `yaml:"sim_tick"`
}

// DefaultRadioConfig returns the settings used for keys absent from the config
func DefaultRadioConfig() RadioConfig {
	var cfg RadioConfig
	cfg.SPIDevice = SimDevice
	cfg.SPISpeed = 1_000_000
	cfg.SPITargetSpeed = 8_000_000
	cfg.ErrorCheck = true
	cfg.GPIO = hal.GPIOConfig{Chip: "gpiochip0", ResetPin: -1, PAPin: -1}
	cfg.TxTrigger.DevicePin = -1
	cfg.ProfileDir = "profiles"
	cfg.StorePath = "radio-state.yaml"
	cfg.SimTick = time.Millisecond
	return cfg
}

func (cfg *RadioConfig) budgets() phy.Budgets {
	b := phy.DefaultBudgets
	set := func(dst *radio.Budget, d time.Duration) {
		if d > 0 {
			dst.Timeout = d
		}
	}
	set(&b.State, cfg.Timeouts.State)
	set(&b.Config, cfg.Timeouts.Config)
	set(&b.Calibration, cfg.Timeouts.Calibration)
	set(&b.Reset, cfg.Timeouts.Reset)
	return b
}

// EventMessage is one radio event on the websocket stream
type EventMessage struct {
	ID     string        `json:"id"`
	Kind   phy.EventKind `json:"kind"`
	Status uint32        `json:"status"`
	Time   time.Time     `json:"time"`
}

// RadioPlugin owns one radio and serves the driver operations over HTTP.
// Every driver call runs under mu, which the interrupt service loop shares.
type RadioPlugin struct {
	cfg RadioConfig
	log *slog.Logger

	mu     sync.Mutex
	phy    *phy.PHY
	store  *phy.Store
	conn   io.Closer
	gpio   *hal.GPIOController
	sim    *sim.Device
	events []EventMessage

	clientsMu sync.Mutex
	clients   map[string]chan EventMessage

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRadioPlugin opens the radio, restores the persisted power table and
// calibration and initializes the firmware
func NewRadioPlugin(cfg RadioConfig, log *slog.Logger) (*RadioPlugin, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("plugin", "radio")
	p := &RadioPlugin{
		cfg:     cfg,
		log:     log,
		store:   phy.NewStore(cfg.StorePath, log),
		clients: make(map[string]chan EventMessage),
	}

	log.Info("Radio plugin initializing",
		"spi_device", cfg.SPIDevice,
		"spi_speed", cfg.SPISpeed,
		"spi_target_speed", cfg.SPITargetSpeed,
		"gpio_chip", cfg.GPIO.Chip,
		"irq_pin", cfg.IrqPin)

	opts := phy.Options{
		Logger:       log,
		Budgets:      cfg.budgets(),
		IrqPin:       cfg.IrqPin,
		CalFrequency: cfg.CalFrequency,
		Sleep:        hal.Sleep,
	}
	patch, err := p.loadCalPatch()
	if err != nil {
		return nil, err
	}
	opts.CalPatch = patch

	var conn radio.Conn
	if cfg.SPIDevice == SimDevice {
		p.sim = sim.New()
		if patch != nil {
			p.sim.CalSeqID = patch.EnableID
		}
		conn = p.sim
	} else {
		spiDev, err := hal.NewSPIDevice(cfg.SPIDevice, physic.Frequency(cfg.SPISpeed)*physic.Hertz)
		if err != nil {
			return nil, err
		}
		conn, p.conn = spiDev, spiDev
		if p.gpio, err = hal.NewGPIOController(cfg.GPIO); err != nil {
			spiDev.Close()
			return nil, err
		}
		if cfg.GPIO.ResetPin >= 0 {
			if err := p.gpio.Reset(); err != nil {
				p.release()
				return nil, err
			}
		}
		if pa := p.gpio.PA(); pa != nil {
			opts.PA = pa
		}
	}

	t := radio.NewTransport(conn, radio.Options{
		Logger:       log,
		ErrorCheck:   cfg.ErrorCheck,
		InitialClock: physic.Frequency(cfg.SPISpeed) * physic.Hertz,
		TargetClock:  physic.Frequency(cfg.SPITargetSpeed) * physic.Hertz,
		OnHardwareError: func(code uint16) {
			log.Warn("Radio hardware error", "code", fmt.Sprintf("0x%04X", code))
		},
	})
	p.phy = phy.New(t, opts)
	p.phy.OnEvent(p.recordEvent)

	table, cache, err := p.store.Load()
	if err != nil {
		log.Warn("Ignoring unreadable radio store", "path", cfg.StorePath, "error", err)
	} else {
		p.phy.SetPowerTable(table)
		p.phy.SetCalibration(cache)
	}

	if p.sim != nil {
		p.sim.SetIRQHandler(p.phy.Interrupt)
	} else if err := p.gpio.WatchIRQ(p.phy.Interrupt); err != nil {
		p.release()
		return nil, err
	}

	if err := p.phy.Init(); err != nil {
		p.release()
		return nil, fmt.Errorf("failed to initialize radio: %w", err)
	}
	if err := p.bindTxTrigger(); err != nil {
		p.release()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.phy.Run(ctx, &p.mu)
	}()
	if p.sim != nil && cfg.SimTick > 0 {
		p.wg.Add(1)
		go p.simClock(ctx, cfg.SimTick)
	}

	if cfg.Profile != "" {
		p.mu.Lock()
		err := p.selectProfile(cfg.Profile, true)
		p.mu.Unlock()
		if err != nil {
			log.Warn("Failed to enable startup profile", "profile", cfg.Profile, "error", err)
		}
	}
	return p, nil
}

func (p *RadioPlugin) loadCalPatch() (*radio.Patch, error) {
	if p.cfg.CalPatch == "" {
		if p.cfg.SPIDevice != SimDevice {
			return nil, nil
		}
		return radio.DecodePatch("sim-calibration", sim.CalibrationPatch())
	}
	blob, err := os.ReadFile(p.cfg.CalPatch)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration patch: %w", err)
	}
	return radio.DecodePatch(filepath.Base(p.cfg.CalPatch), blob)
}

func (p *RadioPlugin) bindTxTrigger() error {
	if p.cfg.TxTrigger.DevicePin < 0 {
		return nil
	}
	var line radio.Line
	if p.gpio != nil {
		if l := p.gpio.Trigger(p.cfg.TxTrigger.Line); l != nil {
			line = l
		}
	}
	if line == nil {
		return fmt.Errorf("tx trigger needs host trigger line %d", p.cfg.TxTrigger.Line)
	}
	return p.phy.Triggers().Configure(uint8(p.cfg.TxTrigger.DevicePin), radio.TriggerTx, line)
}

// simClock lets simulated time pass so operations complete without polling
func (p *RadioPlugin) simClock(ctx context.Context, tick time.Duration) {
	defer p.wg.Done()
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.sim.Advance()
		}
	}
}

// recordEvent runs from the interrupt service loop with mu held
func (p *RadioPlugin) recordEvent(e phy.Event) {
	msg := EventMessage{ID: uuid.New().String(), Kind: e.Kind, Status: e.Status, Time: e.Time}
	p.events = append(p.events, msg)
	if len(p.events) > eventLogSize {
		p.events = p.events[len(p.events)-eventLogSize:]
	}

	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	for id, ch := range p.clients {
		select {
		case ch <- msg:
		default:
			p.log.Warn("Event client too slow, dropping event", "client", id)
		}
	}
}

func (p *RadioPlugin) subscribe() (string, chan EventMessage) {
	id := uuid.New().String()
	ch := make(chan EventMessage, clientQueueSize)
	p.clientsMu.Lock()
	p.clients[id] = ch
	p.clientsMu.Unlock()
	return id, ch
}

func (p *RadioPlugin) unsubscribe(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if ch, ok := p.clients[id]; ok {
		delete(p.clients, id)
		close(ch)
	}
}

// Name returns the plugin identifier
func (p *RadioPlugin) Name() string {
	return "radio"
}

// RegisterRoutes adds the plugin's HTTP routes
func (p *RadioPlugin) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/radio")

	// Lifecycle
	api.Get("/status", p.handleStatus)
	api.Post("/init", p.handleInit)
	api.Post("/profile", p.handleSelectProfile)
	api.Post("/ready", p.handleReady)
	api.Post("/sleep", p.handleSleep)

	// Operations
	api.Post("/tx", p.handleTransmit)
	api.Post("/rx", p.handleReceive)
	api.Get("/frame", p.handleReadFrame)
	api.Get("/noise", p.handleMeasureNoise)
	api.Get("/rssi", p.handleRSSI)

	// Settings
	api.Post("/crc", p.handleSetCRC)
	api.Get("/power", p.handleGetPower)
	api.Post("/power/level", p.handleSetPowerLevel)
	api.Put("/power/:level", p.handleSetPowerEntry)
	api.Post("/pa", p.handleEnablePA)
	api.Post("/test-mode", p.handleTestMode)

	// Calibration
	api.Get("/calibration", p.handleGetCalibration)
	api.Post("/calibrate", p.handleAutoCalibrate)
	api.Post("/calibrate/rssi", p.handleRSSICalibrate)
	api.Post("/calibrate/frequency", p.handleFrequencyCalibrate)

	// Register access
	api.Get("/registers", p.handleReadAllRegisters)
	api.Get("/register/:addr", p.handleReadRegister)
	api.Post("/register/:addr", p.handleWriteRegister)

	// Events
	api.Get("/event-log", p.handleEventLog)
	api.Use("/events", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/events", websocket.New(p.handleEvents))

	if p.sim != nil {
		api.Post("/sim/frame", p.handleSimFrame)
	}

	p.log.Info("Radio plugin routes registered")
}

// Shutdown stops the service loop, puts the radio to sleep and persists state
func (p *RadioPlugin) Shutdown() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.persist()
	err := p.phy.Close()
	p.release()

	p.clientsMu.Lock()
	for id, ch := range p.clients {
		delete(p.clients, id)
		close(ch)
	}
	p.clientsMu.Unlock()
	return err
}

func (p *RadioPlugin) release() {
	if p.gpio != nil {
		if err := p.gpio.Close(); err != nil {
			p.log.Warn("Failed to release GPIO lines", "error", err)
		}
		p.gpio = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.log.Warn("Failed to close SPI device", "error", err)
		}
		p.conn = nil
	}
}

// persist saves the power table and calibration, mu held
func (p *RadioPlugin) persist() {
	if err := p.store.Save(p.phy.PowerTable(), p.phy.Calibration()); err != nil {
		p.log.Warn("Failed to persist radio state", "path", p.cfg.StorePath, "error", err)
	}
}

// run executes fn under mu and sends its result in the API envelope
func (p *RadioPlugin) run(c *fiber.Ctx, op string, fn func() (interface{}, error)) error {
	p.mu.Lock()
	data, err := fn()
	p.mu.Unlock()
	if err != nil {
		p.log.Error("Radio operation failed", "op", op, "error", err)
		return SendRadioError(c, err)
	}
	return SendSuccess(c, data, "")
}

// selectProfile loads name from the profile directory, mu held
func (p *RadioPlugin) selectProfile(name string, ready bool) error {
	if err := checkFileName(name); err != nil {
		return fmt.Errorf("%w: %v", radio.ErrInvalidConfig, err)
	}
	pr, err := phy.LoadProfile(filepath.Join(p.cfg.ProfileDir, name+profileExt))
	if err != nil {
		return err
	}
	if ready {
		return p.phy.Enable(pr)
	}
	return p.phy.SetProfile(pr)
}

// RadioStatus is the status report of the radio
type RadioStatus struct {
	State       string `json:"state"`
	Firmware    string `json:"firmware_state"`
	Stale       bool   `json:"stale"`
	Profile     string `json:"profile,omitempty"`
	Frequency   uint32 `json:"frequency,omitempty"`
	CRCLength   uint8  `json:"crc_length"`
	PowerLevel  string `json:"power_level"`
	Calibrated  bool   `json:"calibrated"`
	ErrorCode   uint16 `json:"error_code"`
	Clock       string `json:"spi_clock"`
	Exchanges   uint64 `json:"exchanges"`
	DroppedIRQs uint64 `json:"dropped_irqs"`
	Device      string `json:"device"`
}

func (p *RadioPlugin) status() RadioStatus {
	t := p.phy.Transport()
	st := RadioStatus{
		State:       p.phy.State().String(),
		Firmware:    t.LastState().String(),
		Stale:       p.phy.Stale(),
		CRCLength:   p.phy.CRCLength(),
		PowerLevel:  p.phy.TxPowerLevel().String(),
		Calibrated:  p.phy.Calibration().Valid(),
		ErrorCode:   t.LastErrorCode(),
		Clock:       t.Clock().String(),
		Exchanges:   t.Exchanges(),
		DroppedIRQs: p.phy.Dropped(),
		Device:      p.cfg.SPIDevice,
	}
	if pr := p.phy.Profile(); pr != nil {
		st.Profile = pr.Name
		st.Frequency = pr.Frequency
	}
	return st
}

func (p *RadioPlugin) handleStatus(c *fiber.Ctx) error {
	return p.run(c, "status", func() (interface{}, error) {
		return p.status(), nil
	})
}

func (p *RadioPlugin) handleInit(c *fiber.Ctx) error {
	return p.run(c, "init", func() (interface{}, error) {
		if err := p.phy.Init(); err != nil {
			return nil, err
		}
		if err := p.bindTxTrigger(); err != nil {
			return nil, err
		}
		return p.status(), nil
	})
}

func (p *RadioPlugin) handleSelectProfile(c *fiber.Ctx) error {
	var req struct {
		Name  string `json:"name"`
		Ready bool   `json:"ready"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	return p.run(c, "profile", func() (interface{}, error) {
		if err := p.selectProfile(req.Name, req.Ready); err != nil {
			return nil, err
		}
		return p.status(), nil
	})
}

func (p *RadioPlugin) handleReady(c *fiber.Ctx) error {
	return p.run(c, "ready", func() (interface{}, error) {
		if err := p.phy.Ready(); err != nil {
			return nil, err
		}
		return p.status(), nil
	})
}

func (p *RadioPlugin) handleSleep(c *fiber.Ctx) error {
	return p.run(c, "sleep", func() (interface{}, error) {
		if err := p.phy.Sleep(); err != nil {
			return nil, err
		}
		return p.status(), nil
	})
}

func (p *RadioPlugin) handleTransmit(c *fiber.Ctx) error {
	var req struct {
		Data    string `json:"data"` // hex
		Trigger bool   `json:"trigger"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	frame, err := hex.DecodeString(req.Data)
	if err != nil {
		return SendErrorMessage(c, 400, fmt.Sprintf("Invalid frame data: %v", err))
	}
	return p.run(c, "transmit", func() (interface{}, error) {
		return nil, p.phy.Transmit(frame, phy.TxOptions{Trigger: req.Trigger})
	})
}

func (p *RadioPlugin) handleReceive(c *fiber.Ctx) error {
	var req struct {
		Early bool `json:"early"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return SendErrorMessage(c, 400, "Invalid request body")
		}
	}
	return p.run(c, "receive", func() (interface{}, error) {
		return nil, p.phy.Receive(phy.RxOptions{Early: req.Early})
	})
}

func (p *RadioPlugin) handleReadFrame(c *fiber.Ctx) error {
	return p.run(c, "read frame", func() (interface{}, error) {
		buf := make([]byte, phy.MaxFrame)
		n, err := p.phy.ReadFrame(buf)
		if err != nil {
			return nil, err
		}
		return fiber.Map{"length": n, "data": hex.EncodeToString(buf[:n])}, nil
	})
}

func (p *RadioPlugin) handleMeasureNoise(c *fiber.Ctx) error {
	return p.run(c, "measure noise", func() (interface{}, error) {
		level, err := p.phy.MeasureNoise()
		if err != nil {
			return nil, err
		}
		return fiber.Map{"dbm": level}, nil
	})
}

func (p *RadioPlugin) handleRSSI(c *fiber.Ctx) error {
	return p.run(c, "rssi", func() (interface{}, error) {
		level, err := p.phy.RSSI()
		if err != nil {
			return nil, err
		}
		return fiber.Map{"dbm": level}, nil
	})
}

func (p *RadioPlugin) handleSetCRC(c *fiber.Ctx) error {
	var req struct {
		Length uint8 `json:"length"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	return p.run(c, "crc length", func() (interface{}, error) {
		return nil, p.phy.SetCRCLength(req.Length)
	})
}

func (p *RadioPlugin) handleGetPower(c *fiber.Ctx) error {
	return p.run(c, "power", func() (interface{}, error) {
		table := p.phy.PowerTable()
		levels := make(map[string]phy.PowerSetting, len(table))
		for l, s := range table {
			levels[phy.PowerLevel(l).String()] = s
		}
		return fiber.Map{"level": p.phy.TxPowerLevel().String(), "table": levels}, nil
	})
}

func (p *RadioPlugin) handleSetPowerLevel(c *fiber.Ctx) error {
	var req struct {
		Level string `json:"level"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	return p.run(c, "power level", func() (interface{}, error) {
		l, err := phy.ParsePowerLevel(req.Level)
		if err != nil {
			return nil, err
		}
		return nil, p.phy.SetTxPowerLevel(l)
	})
}

func (p *RadioPlugin) handleSetPowerEntry(c *fiber.Ctx) error {
	var s phy.PowerSetting
	if err := c.BodyParser(&s); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	return p.run(c, "power table", func() (interface{}, error) {
		l, err := phy.ParsePowerLevel(c.Params("level"))
		if err != nil {
			return nil, err
		}
		if err := p.phy.SetTxPower(l, s); err != nil {
			return nil, err
		}
		p.persist()
		return s, nil
	})
}

func (p *RadioPlugin) handleEnablePA(c *fiber.Ctx) error {
	var req struct {
		Enable bool `json:"enable"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	return p.run(c, "pa", func() (interface{}, error) {
		return nil, p.phy.EnablePA(req.Enable)
	})
}

func (p *RadioPlugin) handleTestMode(c *fiber.Ctx) error {
	var req struct {
		Mode uint8 `json:"mode"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	return p.run(c, "test mode", func() (interface{}, error) {
		return nil, p.phy.TestMode(req.Mode)
	})
}

func (p *RadioPlugin) handleGetCalibration(c *fiber.Ctx) error {
	return p.run(c, "calibration", func() (interface{}, error) {
		cache := p.phy.Calibration()
		return fiber.Map{
			"valid":       cache.Valid(),
			"radio":       hex.EncodeToString(cache.Radio[:]),
			"vco":         hex.EncodeToString(cache.VCO[:]),
			"rssi_offset": cache.RSSIOffset,
			"freq_offset": cache.FreqOffset,
		}, nil
	})
}

func (p *RadioPlugin) handleAutoCalibrate(c *fiber.Ctx) error {
	return p.run(c, "calibrate", func() (interface{}, error) {
		ok, err := p.phy.AutoCalibrate()
		if err != nil {
			return nil, err
		}
		if ok {
			p.persist()
		}
		return fiber.Map{"pass": ok}, nil
	})
}

func (p *RadioPlugin) handleRSSICalibrate(c *fiber.Ctx) error {
	var req struct {
		Reference int16 `json:"reference"` // dBm at the antenna port
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	return p.run(c, "rssi calibrate", func() (interface{}, error) {
		ok, err := p.phy.RSSICalibrate(req.Reference)
		if err != nil {
			return nil, err
		}
		if ok {
			p.persist()
		}
		return fiber.Map{"pass": ok, "rssi_offset": p.phy.Calibration().RSSIOffset}, nil
	})
}

func (p *RadioPlugin) handleFrequencyCalibrate(c *fiber.Ctx) error {
	return p.run(c, "frequency calibrate", func() (interface{}, error) {
		offset, err := p.phy.FrequencyCalibrate()
		if err != nil {
			return nil, err
		}
		p.persist()
		return fiber.Map{"freq_offset": offset}, nil
	})
}

// Register access handlers

// RegisterValue is one register read for diagnostics
type RegisterValue struct {
	Address     string `json:"address"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// readRegister reads a word from aligned addresses and a byte otherwise
func (p *RadioPlugin) readRegister(addr uint32, width string) (string, error) {
	t := p.phy.Transport()
	if width == "byte" || addr&3 != 0 {
		v, err := t.ReadByteAt(addr)
		return fmt.Sprintf("0x%02X", v), err
	}
	v, err := t.ReadWord(addr)
	return fmt.Sprintf("0x%08X", v), err
}

func sortedRegisters() []uint32 {
	addrs := make([]uint32, 0, len(radio.RegisterDescriptions))
	for addr := range radio.RegisterDescriptions {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid address %q", radio.ErrInvalidOperation, s)
	}
	return uint32(v), nil
}

func (p *RadioPlugin) handleReadAllRegisters(c *fiber.Ctx) error {
	return p.run(c, "registers", func() (interface{}, error) {
		regs := make([]RegisterValue, 0, len(radio.RegisterDescriptions))
		for _, addr := range sortedRegisters() {
			v, err := p.readRegister(addr, "")
			if err != nil {
				return nil, err
			}
			regs = append(regs, RegisterValue{
				Address:     fmt.Sprintf("0x%04X", addr),
				Value:       v,
				Description: radio.RegisterDescriptions[addr],
			})
		}
		return regs, nil
	})
}

func (p *RadioPlugin) handleReadRegister(c *fiber.Ctx) error {
	width := c.Query("width")
	return p.run(c, "read register", func() (interface{}, error) {
		addr, err := parseAddr(c.Params("addr"))
		if err != nil {
			return nil, err
		}
		v, err := p.readRegister(addr, width)
		if err != nil {
			return nil, err
		}
		return RegisterValue{
			Address:     fmt.Sprintf("0x%04X", addr),
			Value:       v,
			Description: radio.RegisterDescriptions[addr],
		}, nil
	})
}

func (p *RadioPlugin) handleWriteRegister(c *fiber.Ctx) error {
	var req struct {
		Value string `json:"value"`
		Width string `json:"width"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	return p.run(c, "write register", func() (interface{}, error) {
		addr, err := parseAddr(c.Params("addr"))
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseUint(req.Value, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid value %q", radio.ErrInvalidOperation, req.Value)
		}
		t := p.phy.Transport()
		if req.Width == "byte" {
			if v > 0xFF {
				return nil, fmt.Errorf("%w: value 0x%X exceeds a byte", radio.ErrInvalidOperation, v)
			}
			err = t.WriteByteAt(addr, uint8(v))
		} else {
			err = t.WriteWord(addr, uint32(v))
		}
		if err != nil {
			return nil, err
		}
		p.log.Info("Register written", "addr", fmt.Sprintf("0x%04X", addr), "value", fmt.Sprintf("0x%X", v))
		return nil, nil
	})
}

// Event handlers

func (p *RadioPlugin) handleEventLog(c *fiber.Ctx) error {
	return p.run(c, "event log", func() (interface{}, error) {
		return append([]EventMessage(nil), p.events...), nil
	})
}

// handleEvents streams radio events to a websocket client until it goes away
func (p *RadioPlugin) handleEvents(c *websocket.Conn) {
	id, ch := p.subscribe()
	defer p.unsubscribe(id)
	p.log.Info("Event client connected", "client", id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := c.WriteJSON(fiber.Map{"client": id}); err != nil {
		return
	}
	for {
		select {
		case <-done:
			p.log.Info("Event client disconnected", "client", id)
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := c.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func (p *RadioPlugin) handleSimFrame(c *fiber.Ctx) error {
	var req struct {
		Data string `json:"data"`
		RSSI *int16 `json:"rssi"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	frame, err := hex.DecodeString(req.Data)
	if err != nil || len(frame) == 0 || len(frame) > phy.MaxFrame {
		return SendErrorMessage(c, 400, "Invalid frame data")
	}
	p.mu.Lock()
	p.sim.InjectFrame(frame)
	if req.RSSI != nil {
		p.sim.RawRSSI = *req.RSSI
	}
	p.mu.Unlock()
	return SendSuccess(c, nil, "Frame queued")
}

// Register the plugin
func init() {
	Register("radio", func(section *yaml.Node, log *slog.Logger) (Plugin, error) {
		cfg := DefaultRadioConfig()
		if err := decodeSection(section, &cfg); err != nil {
			return nil, fmt.Errorf("invalid config for radio plugin: %w", err)
		}
		return NewRadioPlugin(cfg, log)
	})
}
