package fleet

import (
	"context"
	"fmt"
	"log/slog"

	"minerhub/internal/model"
	"minerhub/internal/proto/axeos"
	"minerhub/internal/proto/cgminer"
)

// httpIdentifier and tcpIdentifier are the probe surfaces of the two protocol
// clients; tests substitute fakes.
type httpIdentifier interface {
	FetchSystemInfo(ctx context.Context, address string) (*axeos.SystemInfo, error)
}

type tcpIdentifier interface {
	Identify(ctx context.Context, address string) (board, modelName, mac string, err error)
}

// Prober determines which protocol family a bare address speaks. The HTTP
// API is tried first because it is cheap and self-describing; the legacy TCP
// protocol is the fallback.
type Prober struct {
	httpProbe httpIdentifier
	tcpProbe  tcpIdentifier
}

func NewProber(httpClient *axeos.Client, tcpClient *cgminer.Client) *Prober {
	return &Prober{httpProbe: httpClient, tcpProbe: tcpClient}
}

// Probe identifies the miner at address and builds its device record. The
// family assigned here is permanent for the life of the device.
func (p *Prober) Probe(ctx context.Context, address string) (*model.Device, error) {
	if info, err := p.httpProbe.FetchSystemInfo(ctx, address); err == nil {
		dev := &model.Device{
			Address: address,
			Family:  model.FamilyHTTPJSON,
		}
		if info.MACAddr != nil && *info.MACAddr != "" {
			dev.ID = model.DeviceIDFromMAC(*info.MACAddr)
		} else {
			dev.ID = model.SynthesizeDeviceID(address)
		}
		if info.Hostname != nil {
			dev.Name = *info.Hostname
		}
		if info.BoardVersion != nil {
			dev.Board = *info.BoardVersion
		}
		if info.ASICModel != nil {
			dev.ModelName = *info.ASICModel
		}
		if dev.Name == "" {
			dev.Name = address
		}
		return dev, nil
	} else {
		slog.Debug("http probe failed, trying legacy tcp", "address", address, "error", err)
	}

	board, modelName, mac, err := p.tcpProbe.Identify(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("no supported protocol at %s: %w", address, err)
	}
	dev := &model.Device{
		Address:   address,
		Family:    model.FamilyLegacyTCP,
		Name:      address,
		Board:     board,
		ModelName: modelName,
	}
	if mac != "" {
		dev.ID = model.DeviceIDFromMAC(mac)
	} else {
		dev.ID = model.SynthesizeDeviceID(address)
	}
	return dev, nil
}

// Discover probes an address and registers the resulting device with the
// supervisor, starting its polling cycle immediately.
func (s *Supervisor) Discover(ctx context.Context, prober *Prober, address string) (*model.Device, error) {
	dev, err := prober.Probe(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := s.AddDevice(ctx, dev); err != nil {
		return nil, err
	}
	return dev, nil
}
