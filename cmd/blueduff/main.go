// Command blueduff connects to one or more Bluetooth serial peripherals,
// prints every message they send and forwards stdin lines to all of them.
//
//	blueduff [-config blueduff.yaml] [-transport serial|ble|tcp] [-list] [device...]
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"tinygo.org/x/bluetooth"

	"github.com/cyberinferno/blueduff/ble"
	"github.com/cyberinferno/blueduff/config"
	"github.com/cyberinferno/blueduff/devicecache"
	"github.com/cyberinferno/blueduff/hub"
	"github.com/cyberinferno/blueduff/logger"
	"github.com/cyberinferno/blueduff/rfcomm"
	"github.com/cyberinferno/blueduff/serialport"
	"github.com/cyberinferno/blueduff/tcpbridge"
)

var errTCPDiscovery = errors.New("tcp bridges cannot be discovered; pass host:port devices")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "blueduff: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	var configPath, transport string
	var list bool
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&transport, "transport", "", "serial, ble or tcp (overrides the config)")
	flag.BoolVar(&list, "list", false, "list available devices and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if transport != "" {
		cfg.Transport = transport
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	if flag.NArg() > 0 {
		cfg.Devices = flag.Args()
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	connector, err := newConnector(cfg, log)
	if err != nil {
		return err
	}

	if list {
		return listDevices(ctx, cfg, connector, stdout)
	}

	if len(cfg.Devices) == 0 {
		device, err := firstDevice(ctx, cfg, connector)
		if err != nil {
			return err
		}
		cfg.Devices = []string{device}
	}

	session, err := cfg.SessionConfig()
	if err != nil {
		return err
	}

	h, err := hub.New(connector, session, hub.Handlers{
		Message: func(d hub.Device, msg rfcomm.Message) {
			fmt.Fprintf(stdout, "[%s] %s\n", d.Name, msg.Text)
		},
		Disconnected: func(d hub.Device) {
			log.Info("device disconnected", logger.Field{Key: "device", Value: d.Name})
		},
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Stop(); err != nil {
			log.Warn("stop failed", logger.Field{Key: "error", Value: err})
		}
	}()

	for _, device := range cfg.Devices {
		if _, err := h.Connect(ctx, device); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go readLines(stdin, lines)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					lines = nil
					continue
				}

				if sent := h.BroadcastText(line + "\r\n"); sent == 0 {
					log.Warn("line not delivered", logger.Field{Key: "line", Value: line})
				}
			}
		}
	})

	return g.Wait()
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}

	if cfg.Log.File == "" {
		return logger.NewConsoleLogger("blueduff", level), nil
	}

	return logger.NewFileLogger("blueduff", cfg.Log.File, level, cfg.LogRotation())
}

func newConnector(cfg *config.Config, log logger.Logger) (rfcomm.Connector, error) {
	switch cfg.Transport {
	case "serial":
		line, err := cfg.SerialConfig()
		if err != nil {
			return nil, err
		}
		return serialport.NewConnector(line, log), nil
	case "tcp":
		return tcpbridge.NewConnector(cfg.BridgeConfig(), log), nil
	}

	profile, err := cfg.Profile()
	if err != nil {
		return nil, err
	}

	client, err := ble.NewClient(bluetooth.DefaultAdapter,
		ble.WithProfile(profile),
		ble.WithNamePrefix(cfg.BLE.NamePrefix),
		ble.WithCache(newDeviceCache(cfg), cfg.Cache.TTL),
		ble.WithLogger(log))
	if err != nil {
		return nil, err
	}

	return client, nil
}

func newDeviceCache(cfg *config.Config) devicecache.Cache[bluetooth.Address] {
	if cfg.Cache.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		return devicecache.NewRedis[bluetooth.Address](client, cfg.Cache.Prefix)
	}

	return devicecache.NewMemory[bluetooth.Address](cfg.Cache.TTL, 2*cfg.Cache.TTL)
}

func listDevices(ctx context.Context, cfg *config.Config, connector rfcomm.Connector, out io.Writer) error {
	if cfg.Transport == "tcp" {
		return errTCPDiscovery
	}

	client, ok := connector.(*ble.Client)
	if !ok {
		ports, err := serialport.ListDevices()
		if err != nil {
			return err
		}

		for _, port := range ports {
			fmt.Fprintln(out, port)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.BLE.ScanTimeout)
	defer cancel()

	for device, err := range client.DiscoverDevices(ctx) {
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\t%d dBm\n", device.Address.String(), device.LocalName(), device.RSSI)
	}

	return nil
}

func firstDevice(ctx context.Context, cfg *config.Config, connector rfcomm.Connector) (string, error) {
	if cfg.Transport == "tcp" {
		return "", errTCPDiscovery
	}

	client, ok := connector.(*ble.Client)
	if !ok {
		return serialport.FirstDevice()
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.BLE.ScanTimeout)
	defer cancel()

	device, err := client.FirstDevice(ctx)
	if err != nil {
		if errors.Is(err, ble.ErrDeviceNotFound) {
			return "", fmt.Errorf("no %s devices found within %s", cfg.BLE.Profile, cfg.BLE.ScanTimeout)
		}
		return "", err
	}

	if name := device.LocalName(); name != "" {
		return name, nil
	}

	return device.Address.String(), nil
}
