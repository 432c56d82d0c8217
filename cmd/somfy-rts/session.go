package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shaunagostinho/somfy-rts/internal/dongle"
	"github.com/shaunagostinho/somfy-rts/internal/simulator"
)

// demoDevice backs --demo for one-shot commands.
func demoDevice() *simulator.Device {
	return simulator.New(simulator.Options{Paired: 3})
}

// openWaiting opens the configured dongle without talking to it.
func openWaiting() (*dongle.Waiting, error) {
	opts := []dongle.Option{dongle.WithLogger(log.Named("dongle"))}

	if cfg.Dongle.Demo {
		fmt.Println("Using simulated dongle.")
		return dongle.NewWaiting(demoDevice().Open(), opts...), nil
	}

	if cfg.Dongle.PortPath != "" {
		log.Debug("serial port supplied", zap.String("port", cfg.Dongle.PortPath))
		w, err := dongle.Open(cfg.Dongle.PortPath, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open selected dongle: %w", err)
		}
		return w, nil
	}

	fmt.Println("No dongle was provided.")
	w, dev, err := dongle.OpenFirst(opts...)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Using dongle at: %s\n", dev.Path)
	return w, nil
}

// openReady opens the dongle, performs the handshake and the ALIVE check.
func openReady(ctx context.Context) (*dongle.Ready, error) {
	format, err := dongle.ParseWireFormat(cfg.Dongle.WireFormat)
	if err != nil {
		return nil, err
	}
	w, err := openWaiting()
	if err != nil {
		return nil, err
	}
	_, ready, err := w.Initialize(ctx, format)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	resp, err := ready.TestAlive(ctx)
	if err != nil {
		ready.Close()
		return nil, fmt.Errorf("alive: %w", err)
	}
	alive, err := resp.Result()
	if err != nil {
		ready.Close()
		return nil, fmt.Errorf("dongle returned error: %w", err)
	}
	fmt.Printf("Dongle id:%s, %s %s\n", alive.ID[0], alive.ID[2], alive.ID[1])
	return ready, nil
}

// withReady runs fn on a fresh Ready connection and closes it afterwards.
func withReady(ctx context.Context, fn func(*dongle.Ready) error) error {
	ready, err := openReady(ctx)
	if err != nil {
		return err
	}
	defer ready.Close()
	return fn(ready)
}
