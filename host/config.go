package host

import (
	"time"

	"github.com/cloudwego/gopkg/concurrency/gopool"

	"github.com/ardnew/softxhci/host/ring"
)

// Default configuration values.
const (
	DefaultCommandRingSize  = 64
	DefaultEventRingSize    = 256
	DefaultTransferRingSize = ring.DefaultRecords

	DefaultHandshakeTimeout = 100 * time.Millisecond
	DefaultCommandTimeout   = 5 * time.Second
	DefaultPortResetTimeout = 500 * time.Millisecond
	DefaultPortPollInterval = time.Millisecond

	DefaultRetryAttempts   = 8
	DefaultRetryBackoff    = 50 * time.Microsecond
	DefaultRetryBackoffMax = 5 * time.Millisecond
)

// Config holds the tunables of a Host. Capability bits are read from
// the controller at Start and are not part of Config.
type Config struct {
	CommandRingSize  int // Command ring records, including the link record
	EventRingSize    int // Event ring segment records
	TransferRingSize int // Records per endpoint transfer ring

	HandshakeTimeout time.Duration // Controller reset/run/stop handshakes
	CommandTimeout   time.Duration // Completion of one command
	PortResetTimeout time.Duration // Port reset to reset change
	PortPollInterval time.Duration // Port status polling while resetting

	RetryAttempts   int           // Attempts on a full ring before giving up
	RetryBackoff    time.Duration // First backoff; doubles each attempt
	RetryBackoffMax time.Duration // Backoff ceiling

	Workers *gopool.Option // Enumeration and completion workers
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CommandRingSize:  DefaultCommandRingSize,
		EventRingSize:    DefaultEventRingSize,
		TransferRingSize: DefaultTransferRingSize,
		HandshakeTimeout: DefaultHandshakeTimeout,
		CommandTimeout:   DefaultCommandTimeout,
		PortResetTimeout: DefaultPortResetTimeout,
		PortPollInterval: DefaultPortPollInterval,
		RetryAttempts:    DefaultRetryAttempts,
		RetryBackoff:     DefaultRetryBackoff,
		RetryBackoffMax:  DefaultRetryBackoffMax,
		Workers:          gopool.DefaultOption(),
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CommandRingSize == 0 {
		c.CommandRingSize = d.CommandRingSize
	}
	if c.EventRingSize == 0 {
		c.EventRingSize = d.EventRingSize
	}
	if c.TransferRingSize == 0 {
		c.TransferRingSize = d.TransferRingSize
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.PortResetTimeout == 0 {
		c.PortResetTimeout = d.PortResetTimeout
	}
	if c.PortPollInterval == 0 {
		c.PortPollInterval = d.PortPollInterval
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.RetryBackoffMax == 0 {
		c.RetryBackoffMax = d.RetryBackoffMax
	}
	if c.Workers == nil {
		c.Workers = d.Workers
	}
	return c
}
