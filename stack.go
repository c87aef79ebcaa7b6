package main

import (
	"context"
	"time"

	"github.com/usenocturne/kbpair/bluetooth"
	"github.com/usenocturne/kbpair/picker"
	"github.com/usenocturne/kbpair/ws"
)

// stack is the Bluetooth side of a run: what the picker drives, plus
// teardown once it is done.
type stack interface {
	picker.Bluetooth
	Close() error
}

// connectFunc opens the Bluetooth stack for one run.
type connectFunc func(cfg config, hub *ws.WebSocketHub) (stack, error)

// deviceSource is the part of *bluetooth.BluetoothManager bluezStack uses.
type deviceSource interface {
	PowerOnAll(ctx context.Context) error
	Scan(ctx context.Context, timeout time.Duration) error
	GetDevices(ctx context.Context, class uint32, filters map[string]interface{}) ([]*bluetooth.Device, error)
	Close() error
}

// bluezStack adapts the BlueZ manager to what the picker needs.
type bluezStack struct {
	manager     deviceSource
	scanTimeout time.Duration
}

func connectBluez(cfg config, hub *ws.WebSocketHub) (stack, error) {
	manager, err := bluetooth.NewBluetoothManager(hub)
	if err != nil {
		return nil, err
	}
	return &bluezStack{
		manager:     manager,
		scanTimeout: cfg.ScanTimeout,
	}, nil
}

func (s *bluezStack) PowerOnAll(ctx context.Context) error {
	return s.manager.PowerOnAll(ctx)
}

func (s *bluezStack) Scan(ctx context.Context) error {
	return s.manager.Scan(ctx, s.scanTimeout)
}

func (s *bluezStack) UnpairedKeyboards(ctx context.Context) ([]picker.Device, error) {
	devices, err := s.manager.GetDevices(ctx, bluetooth.ClassKeyboard, map[string]interface{}{
		"Paired": false,
	})
	if err != nil {
		return nil, err
	}

	out := make([]picker.Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, d)
	}
	return out, nil
}

func (s *bluezStack) Close() error {
	return s.manager.Close()
}
