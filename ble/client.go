// Package ble connects sessions to BLE UART bridge modules (HM-10, JDY-08,
// Nordic UART firmware) that stand in for classic SPP serial modules.
package ble

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/cyberinferno/blueduff/devicecache"
	"github.com/cyberinferno/blueduff/logger"
	"github.com/cyberinferno/blueduff/rfcomm"
)

// ErrDeviceNotFound is returned when a scan ends without seeing the
// requested device.
var ErrDeviceNotFound = errors.New("device not found")

// Client discovers and connects BLE UART bridges.
type Client struct {
	adapter  *bluetooth.Adapter
	profile  Profile
	prefix   string
	cache    devicecache.Cache[bluetooth.Address]
	cacheTTL time.Duration
	log      logger.Logger
}

var _ rfcomm.Connector = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithProfile selects the GATT profile. The default is HM10.
func WithProfile(p Profile) Option {
	return func(c *Client) { c.profile = p }
}

// WithNamePrefix restricts discovery to devices whose advertised name
// starts with prefix.
func WithNamePrefix(prefix string) Option {
	return func(c *Client) { c.prefix = prefix }
}

// WithCache remembers resolved device addresses for ttl.
func WithCache(cache devicecache.Cache[bluetooth.Address], ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient enables adapter and returns a Client using it.
//
// Parameters:
//   - adapter: The host adapter, usually bluetooth.DefaultAdapter
//   - opts: Optional settings
//
// Returns:
//   - The client
//   - An error if the adapter could not be enabled
func NewClient(adapter *bluetooth.Adapter, opts ...Option) (*Client, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}

	c := &Client{
		adapter: adapter,
		profile: HM10,
		log:     logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// DiscoverDevices scans until ctx is done or the caller stops iterating,
// yielding each matching device once.
func (c *Client) DiscoverDevices(ctx context.Context) iter.Seq2[*bluetooth.ScanResult, error] {
	return func(yield func(*bluetooth.ScanResult, error) bool) {
		d := newDiscovery(c.prefix, yield)
		defer d.stop()

		finished := make(chan struct{})
		defer close(finished)

		go func() {
			select {
			case <-ctx.Done():
				d.stop()
				_ = c.adapter.StopScan()
			case <-finished:
			}
		}()

		err := c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !d.offer(result.Address.String(), result.LocalName(), &result) {
				_ = adapter.StopScan()
				return
			}

			c.log.Debug("advertisement received",
				logger.Field{Key: "name", Value: result.LocalName()},
				logger.Field{Key: "address", Value: result.Address.String()},
				logger.Field{Key: "rssi", Value: result.RSSI})
		})
		if err != nil {
			d.fail(fmt.Errorf("scan: %w", err))
		}
	}
}

// discovery filters scan results and guards yield: once the caller stops
// iterating or the scan is cancelled, later advertisements are dropped.
type discovery struct {
	mu      sync.Mutex
	prefix  string
	seen    map[string]bool
	stopped bool
	yield   func(*bluetooth.ScanResult, error) bool
}

func newDiscovery(prefix string, yield func(*bluetooth.ScanResult, error) bool) *discovery {
	return &discovery{
		prefix: prefix,
		seen:   make(map[string]bool),
		yield:  yield,
	}
}

// offer yields result if it is a new device with a matching name. It
// returns false once the scan should stop.
func (d *discovery) offer(address, name string, result *bluetooth.ScanResult) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}

	if d.seen[address] || !hasPrefix(name, d.prefix) {
		return true
	}

	d.seen[address] = true
	if !d.yield(result, nil) {
		d.stopped = true
		return false
	}

	return true
}

func (d *discovery) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.stopped = true
	d.yield(nil, err)
}

func (d *discovery) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
}

// LookupDevice scans for a device whose advertised name or address equals
// deviceID.
func (c *Client) LookupDevice(ctx context.Context, deviceID string) (*bluetooth.ScanResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for device, err := range c.DiscoverDevices(ctx) {
		if err != nil {
			return nil, err
		}

		if matches(device.LocalName(), device.Address.String(), deviceID) {
			return device, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, deviceID, err)
	}

	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}

// FirstDevice returns the first device discovered before ctx is done.
func (c *Client) FirstDevice(ctx context.Context) (*bluetooth.ScanResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for device, err := range c.DiscoverDevices(ctx) {
		return device, err
	}

	return nil, ErrDeviceNotFound
}

func (c *Client) resolve(ctx context.Context, deviceID string) (bluetooth.Address, error) {
	scan := func(ctx context.Context) (bluetooth.Address, error) {
		device, err := c.LookupDevice(ctx, deviceID)
		if err != nil {
			return bluetooth.Address{}, err
		}
		return device.Address, nil
	}

	if c.cache == nil {
		return scan(ctx)
	}

	return c.cache.Resolve(ctx, deviceID, c.cacheTTL, scan)
}

// Connect resolves deviceID by name or address, connects, and subscribes
// to the profile's RX characteristic. BLE pairing is handled by the host
// stack, so security is only recorded in the log.
func (c *Client) Connect(ctx context.Context, deviceID string, security rfcomm.Security) (rfcomm.Transport, error) {
	addr, err := c.resolve(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	device, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		if c.cache != nil {
			_ = c.cache.Forget(context.Background(), deviceID)
		}
		return nil, fmt.Errorf("connect %s: %w", deviceID, err)
	}

	t, err := c.subscribe(device)
	if err != nil {
		_ = device.Disconnect()
		return nil, fmt.Errorf("connect %s: %w", deviceID, err)
	}

	c.log.Info("ble device connected",
		logger.Field{Key: "device", Value: deviceID},
		logger.Field{Key: "address", Value: addr.String()},
		logger.Field{Key: "profile", Value: c.profile.Name},
		logger.Field{Key: "security", Value: security.String()})

	return t, nil
}

func (c *Client) subscribe(device bluetooth.Device) (*transport, error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{c.profile.Service})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}

	if len(services) != 1 {
		return nil, fmt.Errorf("expected 1 %s service, got %d", c.profile.Name, len(services))
	}

	chars, err := services[0].DiscoverCharacteristics(c.profile.characteristics())
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}

	rx, tx, err := pickCharacteristics(c.profile, chars)
	if err != nil {
		return nil, err
	}

	t := newTransport(device, tx, c.profile.MTU)
	if err := rx.EnableNotifications(t.notify); err != nil {
		return nil, fmt.Errorf("enable notifications: %w", err)
	}

	return t, nil
}

func hasPrefix(name, prefix string) bool {
	return prefix == "" || strings.HasPrefix(name, prefix)
}

func matches(name, address, deviceID string) bool {
	return name == deviceID || strings.EqualFold(address, deviceID)
}
