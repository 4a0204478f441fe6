package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/radio.mesh/internal/phy"
	"github.com/banshee-data/radio.mesh/internal/tdma"
	"github.com/banshee-data/radio.mesh/internal/turntimeout"
)

// DefaultConfigPath is the path to the canonical link defaults file.
const DefaultConfigPath = "config/link.defaults.json"

// maxFrameSize is the largest frame a LoRa packet can carry.
const maxFrameSize = 255

// LinkConfig is the on-disk link configuration. Every field is optional;
// the Get* accessors fall back to the built-in defaults so partial files are
// safe. Durations are strings such as "10s" or "40us".
type LinkConfig struct {
	// Node identity
	Address     *int    `json:"address,omitempty" yaml:"address,omitempty"`
	InterfaceID *int    `json:"interface_id,omitempty" yaml:"interface_id,omitempty"`
	Name        *string `json:"name,omitempty" yaml:"name,omitempty"`
	Channel     *int    `json:"channel,omitempty" yaml:"channel,omitempty"`

	// Capacity
	MTU               *int `json:"mtu,omitempty" yaml:"mtu,omitempty"`
	MaxPayloadSize    *int `json:"max_payload_size,omitempty" yaml:"max_payload_size,omitempty"`
	MaxSendBufferSize *int `json:"max_send_buffer_size,omitempty" yaml:"max_send_buffer_size,omitempty"`

	// Discovery and schedule
	DiscoveryTimeout   *string  `json:"discovery_timeout,omitempty" yaml:"discovery_timeout,omitempty"`
	JoinRequestTimeout *string  `json:"join_request_timeout,omitempty" yaml:"join_request_timeout,omitempty"`
	HeartbeatThreshold *int     `json:"heartbeat_threshold,omitempty" yaml:"heartbeat_threshold,omitempty"`
	JoinProbability    *float64 `json:"join_probability,omitempty" yaml:"join_probability,omitempty"`
	GuardTime          *string  `json:"guard_time,omitempty" yaml:"guard_time,omitempty"`
	SlotFudge          *float64 `json:"slot_fudge,omitempty" yaml:"slot_fudge,omitempty"`

	// Turn-timeout link
	TurnTimeout *string `json:"turn_timeout,omitempty" yaml:"turn_timeout,omitempty"`

	// Radio
	FrequencyHz     *float64 `json:"frequency_hz,omitempty" yaml:"frequency_hz,omitempty"`
	BandwidthHz     *float64 `json:"bandwidth_hz,omitempty" yaml:"bandwidth_hz,omitempty"`
	SpreadingFactor *int     `json:"spreading_factor,omitempty" yaml:"spreading_factor,omitempty"`
	CodingRate      *int     `json:"coding_rate,omitempty" yaml:"coding_rate,omitempty"`
	PreambleLength  *int     `json:"preamble_length,omitempty" yaml:"preamble_length,omitempty"`
	CRC             *bool    `json:"crc,omitempty" yaml:"crc,omitempty"`
	NetworkID       *int     `json:"network_id,omitempty" yaml:"network_id,omitempty"`
	BaudRate        *int     `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyLinkConfig returns a LinkConfig with all fields unset.
func EmptyLinkConfig() *LinkConfig {
	return &LinkConfig{}
}

// DefaultLinkConfig returns a LinkConfig with every field set to its
// default.
func DefaultLinkConfig() *LinkConfig {
	lora := phy.DefaultLoRaParams()
	return &LinkConfig{
		InterfaceID:        ptrInt(tdma.DefaultInterfaceID),
		Name:               ptrString(tdma.DefaultName),
		Channel:            ptrInt(0),
		MTU:                ptrInt(tdma.DefaultMTU),
		MaxPayloadSize:     ptrInt(tdma.DefaultMaxPayloadSize),
		MaxSendBufferSize:  ptrInt(tdma.DefaultMaxSendBufferSize),
		DiscoveryTimeout:   ptrString(tdma.DefaultDiscoveryTimeout.String()),
		JoinRequestTimeout: ptrString(tdma.DefaultJoinRequestTimeout.String()),
		HeartbeatThreshold: ptrInt(tdma.DefaultHeartbeatThreshold),
		JoinProbability:    ptrFloat64(tdma.DefaultJoinProbability),
		GuardTime:          ptrString(tdma.DefaultGuardTime.String()),
		SlotFudge:          ptrFloat64(tdma.DefaultSlotFudge),
		TurnTimeout:        ptrString(turntimeout.DefaultTurnTimeout.String()),
		FrequencyHz:        ptrFloat64(lora.FrequencyHz),
		BandwidthHz:        ptrFloat64(lora.BandwidthHz),
		SpreadingFactor:    ptrInt(lora.SpreadingFactor),
		CodingRate:         ptrInt(lora.CodingRate),
		PreambleLength:     ptrInt(lora.PreambleLength),
		CRC:                ptrBool(lora.CRC),
		NetworkID:          ptrInt(DefaultNetworkID),
		BaudRate:           ptrInt(DefaultBaudRate),
	}
}

// Modem defaults.
const (
	DefaultNetworkID = 6
	DefaultBaudRate  = 115200
)

// LoadLinkConfig loads a LinkConfig from a .json, .yaml or .yml file and
// validates it.
func LoadLinkConfig(path string) (*LinkConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyLinkConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. It panics if the file cannot be loaded and is
// intended for tests.
func MustLoadDefaultConfig() *LinkConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/*/
	}
	for _, path := range candidates {
		if cfg, err := LoadLinkConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *LinkConfig) Validate() error {
	if c.Address != nil && (*c.Address < 1 || *c.Address > 255) {
		return fmt.Errorf("address must be between 1 and 255, got %d", *c.Address)
	}
	if c.InterfaceID != nil && (*c.InterfaceID < 0 || *c.InterfaceID > 255) {
		return fmt.Errorf("interface_id must be between 0 and 255, got %d", *c.InterfaceID)
	}
	if c.Channel != nil && *c.Channel < 0 {
		return fmt.Errorf("channel must be non-negative, got %d", *c.Channel)
	}
	if c.MTU != nil && *c.MTU <= 0 {
		return fmt.Errorf("mtu must be positive, got %d", *c.MTU)
	}
	if c.MaxPayloadSize != nil {
		if *c.MaxPayloadSize <= 0 || *c.MaxPayloadSize+tdma.HeaderSize > maxFrameSize {
			return fmt.Errorf("max_payload_size must be between 1 and %d, got %d", maxFrameSize-tdma.HeaderSize, *c.MaxPayloadSize)
		}
	}
	if c.MaxSendBufferSize != nil && *c.MaxSendBufferSize <= 0 {
		return fmt.Errorf("max_send_buffer_size must be positive, got %d", *c.MaxSendBufferSize)
	}
	if c.HeartbeatThreshold != nil && *c.HeartbeatThreshold < 1 {
		return fmt.Errorf("heartbeat_threshold must be at least 1, got %d", *c.HeartbeatThreshold)
	}
	if c.JoinProbability != nil && (*c.JoinProbability <= 0 || *c.JoinProbability > 1) {
		return fmt.Errorf("join_probability must be in (0, 1], got %f", *c.JoinProbability)
	}
	if c.SlotFudge != nil && *c.SlotFudge <= 1 {
		return fmt.Errorf("slot_fudge must be greater than 1, got %f", *c.SlotFudge)
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"discovery_timeout", c.DiscoveryTimeout},
		{"join_request_timeout", c.JoinRequestTimeout},
		{"guard_time", c.GuardTime},
		{"turn_timeout", c.TurnTimeout},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		v, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, *d.v)
		}
	}

	if err := c.LoRa().Validate(); err != nil {
		return fmt.Errorf("invalid radio parameters: %w", err)
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetAddress returns the address, or 0 when unset.
func (c *LinkConfig) GetAddress() uint8 {
	if c.Address == nil {
		return 0
	}
	return uint8(*c.Address)
}

// GetChannel returns the channel or the default.
func (c *LinkConfig) GetChannel() int {
	if c.Channel == nil {
		return 0
	}
	return *c.Channel
}

// GetMTU returns the mtu value or the default.
func (c *LinkConfig) GetMTU() int {
	if c.MTU == nil {
		return tdma.DefaultMTU
	}
	return *c.MTU
}

// GetMaxPayloadSize returns the max_payload_size value or the default.
func (c *LinkConfig) GetMaxPayloadSize() int {
	if c.MaxPayloadSize == nil {
		return tdma.DefaultMaxPayloadSize
	}
	return *c.MaxPayloadSize
}

// GetMaxSendBufferSize returns the max_send_buffer_size value or the default.
func (c *LinkConfig) GetMaxSendBufferSize() int {
	if c.MaxSendBufferSize == nil {
		return tdma.DefaultMaxSendBufferSize
	}
	return *c.MaxSendBufferSize
}

// GetDiscoveryTimeout returns the discovery_timeout value or the default.
func (c *LinkConfig) GetDiscoveryTimeout() time.Duration {
	return durationOr(c.DiscoveryTimeout, tdma.DefaultDiscoveryTimeout)
}

// GetJoinRequestTimeout returns the join_request_timeout value or the default.
func (c *LinkConfig) GetJoinRequestTimeout() time.Duration {
	return durationOr(c.JoinRequestTimeout, tdma.DefaultJoinRequestTimeout)
}

// GetHeartbeatThreshold returns the heartbeat_threshold value or the default.
func (c *LinkConfig) GetHeartbeatThreshold() int {
	if c.HeartbeatThreshold == nil {
		return tdma.DefaultHeartbeatThreshold
	}
	return *c.HeartbeatThreshold
}

// GetJoinProbability returns the join_probability value or the default.
func (c *LinkConfig) GetJoinProbability() float64 {
	if c.JoinProbability == nil {
		return tdma.DefaultJoinProbability
	}
	return *c.JoinProbability
}

// GetGuardTime returns the guard_time value or the default.
func (c *LinkConfig) GetGuardTime() time.Duration {
	return durationOr(c.GuardTime, tdma.DefaultGuardTime)
}

// GetSlotFudge returns the slot_fudge value or the default.
func (c *LinkConfig) GetSlotFudge() float64 {
	if c.SlotFudge == nil {
		return tdma.DefaultSlotFudge
	}
	return *c.SlotFudge
}

// GetTurnTimeout returns the turn_timeout value or the default.
func (c *LinkConfig) GetTurnTimeout() time.Duration {
	return durationOr(c.TurnTimeout, turntimeout.DefaultTurnTimeout)
}

// GetNetworkID returns the modem network id or the default.
func (c *LinkConfig) GetNetworkID() int {
	if c.NetworkID == nil {
		return DefaultNetworkID
	}
	return *c.NetworkID
}

// GetBaudRate returns the modem baud rate or the default.
func (c *LinkConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return DefaultBaudRate
	}
	return *c.BaudRate
}

// LoRa returns the radio parameters, with defaults for unset fields.
func (c *LinkConfig) LoRa() phy.LoRaParams {
	p := phy.DefaultLoRaParams()
	if c.FrequencyHz != nil {
		p.FrequencyHz = *c.FrequencyHz
	}
	if c.BandwidthHz != nil {
		p.BandwidthHz = *c.BandwidthHz
	}
	if c.SpreadingFactor != nil {
		p.SpreadingFactor = *c.SpreadingFactor
	}
	if c.CodingRate != nil {
		p.CodingRate = *c.CodingRate
	}
	if c.PreambleLength != nil {
		p.PreambleLength = *c.PreambleLength
	}
	if c.CRC != nil {
		p.CRC = *c.CRC
	}
	return p
}

// ToOptions builds TDMA options. Clock, Rand, Metrics and OnEvent are left
// for the caller.
func (c *LinkConfig) ToOptions() tdma.Options {
	o := tdma.Options{
		Address:            c.GetAddress(),
		Channel:            c.GetChannel(),
		MTU:                c.GetMTU(),
		MaxPayloadSize:     c.GetMaxPayloadSize(),
		MaxSendBufferSize:  c.GetMaxSendBufferSize(),
		DiscoveryTimeout:   c.GetDiscoveryTimeout(),
		JoinRequestTimeout: c.GetJoinRequestTimeout(),
		HeartbeatThreshold: c.GetHeartbeatThreshold(),
		JoinProbability:    c.GetJoinProbability(),
		GuardTime:          c.GetGuardTime(),
		SlotFudge:          c.GetSlotFudge(),
	}
	if c.InterfaceID != nil {
		o.InterfaceID = uint8(*c.InterfaceID)
	}
	if c.Name != nil {
		o.Name = *c.Name
	}
	return o
}

// TurnTimeoutOptions builds turn-timeout link options.
func (c *LinkConfig) TurnTimeoutOptions() turntimeout.Options {
	o := turntimeout.Options{
		Address: c.GetAddress(),
		Channel: c.GetChannel(),
		MTU:     c.GetMTU(),
		Config: turntimeout.Config{
			TurnTimeout:       c.GetTurnTimeout(),
			MaxSendBufferSize: c.GetMaxSendBufferSize(),
		},
	}
	if c.InterfaceID != nil {
		o.InterfaceID = uint8(*c.InterfaceID)
	}
	return o
}
