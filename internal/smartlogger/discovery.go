package smartlogger

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Session is a register source that can be closed. Parallel discovery opens
// one per probed unit id.
type Session interface {
	RegisterSource
	io.Closer
}

// SessionFactory opens a dedicated session whose default target is unit.
type SessionFactory func(ctx context.Context, unit uint8) (Session, error)

type DiscoverOptions struct {
	// Units to probe, e.g. from ParseUnitList.
	Units []uint8

	// Concurrency bounds parallel discovery. Values below 1 are treated as 1.
	Concurrency int

	// ModelFilter keeps only devices whose name contains the substring
	// (e.g. "SUN2000" for inverter-only discovery). Empty keeps everything.
	ModelFilter string
}

// Discover probes units sequentially over one shared session. Unresponsive
// units are skipped silently; absence is the common case when scanning a wide
// range.
func Discover(ctx context.Context, src RegisterSource, opts DiscoverOptions) []DeviceInfo {
	devices := make([]DeviceInfo, 0)
	for _, unit := range opts.Units {
		if ctx.Err() != nil {
			break
		}
		if dev, ok := probeUnit(ctx, src, unit, opts.ModelFilter); ok {
			devices = append(devices, dev)
		}
	}
	return devices
}

// DiscoverParallel probes units concurrently. Each probe gets a dedicated
// session: a single session's active unit id is mutable state, so two
// concurrent probes sharing one session would cross-contaminate results. The
// session is closed on every exit path.
func DiscoverParallel(ctx context.Context, factory SessionFactory, opts DiscoverOptions) []DeviceInfo {
	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}

	var (
		mu      sync.Mutex
		devices = make([]DeviceInfo, 0)
	)

	g := new(errgroup.Group)
	g.SetLimit(limit)

	for _, unit := range opts.Units {
		g.Go(func() error {
			sess, err := factory(ctx, unit)
			if err != nil {
				slog.Debug("discovery dial failed", "unit", unit, "err", err)
				return nil
			}
			defer sess.Close()

			dev, ok := probeUnit(ctx, sess, unit, opts.ModelFilter)
			if !ok {
				return nil
			}

			mu.Lock()
			devices = append(devices, dev)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Slice(devices, func(i, j int) bool { return devices[i].UnitID < devices[j].UnitID })
	return devices
}

// probeUnit reads the identification block of one unit. A unit counts as
// discovered only when its name register yields a non-empty string.
func probeUnit(ctx context.Context, src RegisterSource, unit uint8, modelFilter string) (DeviceInfo, bool) {
	regs, err := src.ReadRegistersFrom(ctx, unit, RegDeviceName, RegDeviceNameLen)
	if err != nil {
		slog.Debug("unit did not respond", "unit", unit, "err", err)
		return DeviceInfo{}, false
	}

	name := strings.TrimSpace(String(regs, 2*int(RegDeviceNameLen)))
	if name == "" {
		return DeviceInfo{}, false
	}
	if modelFilter != "" && !strings.Contains(name, modelFilter) {
		return DeviceInfo{}, false
	}

	dev := DeviceInfo{
		UnitID: unit,
		Name:   name,
		Kind:   classify(name),
	}

	// Status, port, and sub-address are adjacent; losing them degrades the
	// entry but does not reject the device.
	if regs, err := src.ReadRegistersFrom(ctx, unit, RegDeviceStatus, 3); err == nil {
		dev.Status = ConnectionStatusText(regs[0])
		dev.Port = ptr(regs[1])
		dev.Address = ptr(regs[2])
	}

	slog.Debug("discovered device", "unit", unit, "name", name, "kind", dev.Kind)
	return dev, true
}

func classify(name string) DeviceKind {
	switch {
	case strings.Contains(name, "SmartLogger"):
		return KindGateway
	case strings.Contains(name, "SUN2000"):
		return KindInverter
	default:
		return KindOther
	}
}
