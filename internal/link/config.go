// internal/link/config.go
package link

import (
	"fmt"
	"time"

	"go.bug.st/serial"

	"psu-service/internal/model"
)

// Default serial parameters and back-off schedule
const (
	DefaultBaudRate = 9600
	DefaultDataBits = 8
	DefaultParity   = "none"
	DefaultStopBits = "1"

	DefaultFastInterval = 1000 * time.Millisecond
	DefaultSlowInterval = 1500 * time.Millisecond
	DefaultFastAttempts = 5

	DefaultQueueSize      = 64
	DefaultReadBufferSize = 256
)

// Config describes which device to look for and how to talk to it.
// A Link copies its Config at construction and never changes it afterwards.
type Config struct {
	// PortName pins the link to one OS port (e.g. ttyACM0). Match is ignored when set.
	PortName string
	// Match lists the USB identifiers searched for when PortName is empty.
	Match []model.VidPid

	BaudRate int
	DataBits int
	Parity   string // none, odd, even, mark, space
	StopBits string // 1, 1.5, 2

	// FastInterval is used for the first FastAttempts failed searches,
	// SlowInterval afterwards.
	FastInterval time.Duration
	SlowInterval time.Duration
	FastAttempts int

	QueueSize      int
	ReadBufferSize int
}

// DefaultConfig returns the 9600 8N1 configuration with the standard back-off
func DefaultConfig() Config {
	return Config{
		BaudRate:       DefaultBaudRate,
		DataBits:       DefaultDataBits,
		Parity:         DefaultParity,
		StopBits:       DefaultStopBits,
		FastInterval:   DefaultFastInterval,
		SlowInterval:   DefaultSlowInterval,
		FastAttempts:   DefaultFastAttempts,
		QueueSize:      DefaultQueueSize,
		ReadBufferSize: DefaultReadBufferSize,
	}
}

// Validate checks the match rule and serial parameters
func (c *Config) Validate() error {
	if c.PortName == "" && len(c.Match) == 0 {
		return ErrNoMatchRule
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("link: invalid baud rate %d", c.BaudRate)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("link: invalid data bits %d", c.DataBits)
	}
	if _, err := c.Mode(); err != nil {
		return err
	}
	if c.FastInterval < 0 || c.SlowInterval < 0 {
		return fmt.Errorf("link: negative reconnect interval")
	}
	if c.FastAttempts < 1 {
		return fmt.Errorf("link: fast attempts must be at least 1, got %d", c.FastAttempts)
	}
	return nil
}

// Mode converts the configuration into a serial.Mode
func (c *Config) Mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
	}

	switch c.Parity {
	case "none", "":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("link: invalid parity %q", c.Parity)
	}

	switch c.StopBits {
	case "1", "":
		mode.StopBits = serial.OneStopBit
	case "1.5":
		mode.StopBits = serial.OnePointFiveStopBits
	case "2":
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("link: invalid stop bits %q", c.StopBits)
	}

	return mode, nil
}

// Parameters renders the line settings the way terminal programs do, e.g. "9600 8N1"
func (c *Config) Parameters() string {
	parity := "N"
	switch c.Parity {
	case "odd":
		parity = "O"
	case "even":
		parity = "E"
	case "mark":
		parity = "M"
	case "space":
		parity = "S"
	}
	stop := c.StopBits
	if stop == "" {
		stop = "1"
	}
	return fmt.Sprintf("%d %d%s%s", c.BaudRate, c.DataBits, parity, stop)
}

// Interval returns the delay before the next discovery attempt after the given
// number of failed attempts: zero for a fresh cycle, FastInterval up to
// FastAttempts-1, SlowInterval from then on.
func (c *Config) Interval(attempt int) time.Duration {
	switch {
	case attempt <= 0:
		return 0
	case attempt < c.FastAttempts:
		return c.FastInterval
	default:
		return c.SlowInterval
	}
}
