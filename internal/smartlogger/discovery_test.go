package smartlogger

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
)

func TestDiscoverSequential(t *testing.T) {
	src := newFakeSource()
	src.setString(3, RegDeviceName, RegDeviceNameLen, "SmartLogger3000A")
	src.set(3, RegDeviceStatus, 1, 502, 0)
	src.setString(4, RegDeviceName, RegDeviceNameLen, "SUN2000-8KTL-M1")
	src.set(4, RegDeviceStatus, 1, 502, 4)
	src.failUnits[5] = true
	// unit 6 answers an all-zero (empty) name and must be rejected

	devices := Discover(context.Background(), src, DiscoverOptions{Units: []uint8{3, 4, 5, 6}})

	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2: %+v", len(devices), devices)
	}
	if devices[0].UnitID != 3 || devices[0].Kind != KindGateway {
		t.Errorf("device 0 = %+v, want unit 3 gateway", devices[0])
	}
	if devices[1].UnitID != 4 || devices[1].Kind != KindInverter {
		t.Errorf("device 1 = %+v, want unit 4 inverter", devices[1])
	}
	if devices[1].Status != "Online" {
		t.Errorf("device 1 status = %q, want Online", devices[1].Status)
	}
	if devices[1].Address == nil || *devices[1].Address != 4 {
		t.Errorf("device 1 address = %v, want 4", devices[1].Address)
	}
}

// fakeSession wraps a shared fakeSource and records that discovery closed it.
type fakeSession struct {
	*fakeSource
	closed *atomic.Int32
}

func (s *fakeSession) Close() error {
	s.closed.Add(1)
	return nil
}

func TestDiscoverParallel(t *testing.T) {
	src := newFakeSource()
	src.failUnits[12] = true
	src.setString(13, RegDeviceName, RegDeviceNameLen, "SUN2000-X")
	src.failUnits[14] = true
	src.failUnits[15] = true

	var opened, closed atomic.Int32
	factory := func(ctx context.Context, unit uint8) (Session, error) {
		opened.Add(1)
		return &fakeSession{fakeSource: src, closed: &closed}, nil
	}

	devices := DiscoverParallel(context.Background(), factory, DiscoverOptions{
		Units:       []uint8{12, 13, 14, 15},
		Concurrency: 4,
	})

	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1: %+v", len(devices), devices)
	}
	if devices[0].UnitID != 13 || devices[0].Name != "SUN2000-X" || devices[0].Kind != KindInverter {
		t.Errorf("device = %+v, want unit 13 SUN2000-X inverter", devices[0])
	}

	if opened.Load() != 4 {
		t.Errorf("opened %d sessions, want one per probed unit (4)", opened.Load())
	}
	if closed.Load() != opened.Load() {
		t.Errorf("closed %d of %d sessions; every session must be closed", closed.Load(), opened.Load())
	}
}

func TestDiscoverParallelFactoryFailure(t *testing.T) {
	src := newFakeSource()
	src.setString(2, RegDeviceName, RegDeviceNameLen, "SUN2000-10KTL")

	var closed atomic.Int32
	factory := func(ctx context.Context, unit uint8) (Session, error) {
		if unit == 1 {
			return nil, fmt.Errorf("dial refused")
		}
		return &fakeSession{fakeSource: src, closed: &closed}, nil
	}

	devices := DiscoverParallel(context.Background(), factory, DiscoverOptions{
		Units:       []uint8{1, 2},
		Concurrency: 2,
	})

	// A failed dial is an unresponsive unit, not an error.
	if len(devices) != 1 || devices[0].UnitID != 2 {
		t.Fatalf("devices = %+v, want just unit 2", devices)
	}
}

func TestDiscoverModelFilter(t *testing.T) {
	src := newFakeSource()
	src.setString(1, RegDeviceName, RegDeviceNameLen, "SmartLogger3000A")
	src.setString(2, RegDeviceName, RegDeviceNameLen, "SUN2000-8KTL-M1")
	src.setString(3, RegDeviceName, RegDeviceNameLen, "PowerMeter DTSU666")

	devices := Discover(context.Background(), src, DiscoverOptions{
		Units:       []uint8{1, 2, 3},
		ModelFilter: "SUN2000",
	})

	if len(devices) != 1 || devices[0].UnitID != 2 {
		t.Fatalf("devices = %+v, want just the SUN2000 unit", devices)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		want DeviceKind
	}{
		{"SmartLogger3000A", KindGateway},
		{"SUN2000-60KTL-M0", KindInverter},
		{"PowerMeter DTSU666", KindOther},
	}
	for _, c := range cases {
		if got := classify(c.name); got != c.want {
			t.Errorf("classify(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}
