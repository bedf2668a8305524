package smartlogger

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type readCall struct {
	unit     uint8
	addr     uint16
	quantity uint16
}

// fakeSource serves canned register values. Unconfigured addresses answer
// all-zero registers, so categories a test does not care about still succeed.
type fakeSource struct {
	mu         sync.Mutex
	regs       map[uint32][]uint16
	failAddrs  map[uint32]bool
	failUnits  map[uint8]bool
	panicUnits map[uint8]bool
	calls      []readCall
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		regs:       make(map[uint32][]uint16),
		failAddrs:  make(map[uint32]bool),
		failUnits:  make(map[uint8]bool),
		panicUnits: make(map[uint8]bool),
	}
}

func regKey(unit uint8, addr uint16) uint32 {
	return uint32(unit)<<16 | uint32(addr)
}

func (f *fakeSource) set(unit uint8, addr uint16, regs ...uint16) {
	f.regs[regKey(unit, addr)] = regs
}

func (f *fakeSource) setString(unit uint8, addr uint16, n uint16, s string) {
	words := make([]uint16, n)
	for i := 0; i < len(s) && i < int(2*n); i++ {
		if i%2 == 0 {
			words[i/2] |= uint16(s[i]) << 8
		} else {
			words[i/2] |= uint16(s[i])
		}
	}
	f.set(unit, addr, words...)
}

func (f *fakeSource) ReadRegisters(ctx context.Context, addr, quantity uint16) ([]uint16, error) {
	return f.ReadRegistersFrom(ctx, GatewayUnitID, addr, quantity)
}

func (f *fakeSource) ReadRegistersFrom(ctx context.Context, unit uint8, addr, quantity uint16) ([]uint16, error) {
	f.mu.Lock()
	f.calls = append(f.calls, readCall{unit, addr, quantity})
	panicking := f.panicUnits[unit]
	failed := f.failUnits[unit] || f.failAddrs[regKey(unit, addr)]
	canned := f.regs[regKey(unit, addr)]
	f.mu.Unlock()

	if panicking {
		panic(fmt.Sprintf("fake source: unit %d panics", unit))
	}
	if failed {
		return nil, fmt.Errorf("fake source: unit %d addr %d unreachable", unit, addr)
	}

	out := make([]uint16, quantity)
	copy(out, canned)
	return out, nil
}

func (f *fakeSource) sawCall(c readCall) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, got := range f.calls {
		if got == c {
			return true
		}
	}
	return false
}

func fEq(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Errorf("%s is absent, want %v", name, want)
		return
	}
	if *got != want {
		t.Errorf("%s = %v, want %v", name, *got, want)
	}
}

func TestReadDeviceMergesCategories(t *testing.T) {
	src := newFakeSource()
	dev := DeviceInfo{UnitID: 5, Name: "SUN2000-60KTL", Address: ptr(uint16(2))}

	// Remap block for sub-address 2 lives at 51025 on the gateway unit.
	src.set(GatewayUnitID, 51025,
		5000, 0, // active power 5.000 kW
		0xfc18, 0xffff, // reactive power -1.000 kVar
		25, // DC current 2.5 A
		5100, 0, // input power 5.100 kW
		1000,  // insulation 1.000 MOhm
		950,   // power factor 0.95
		0x200, // status On-grid
		355,   // cabinet temp 35.5 C
		1, 0, 2, // major, minor, warning
	)

	src.setString(5, RegInvModel, RegInvModelLen, "SUN2000-60KTL")
	src.setString(5, RegInvSerial, RegInvSerialLen, "SN0012345678")
	src.setString(5, RegInvFirmware, RegInvFirmwareLen, "V100R001C00")
	src.set(5, RegInvStringCount, 2)
	src.set(5, RegInvRatedPower, 60000, 0)

	src.set(5, RegInvInputPower, 5100, 0)
	src.set(5, RegInvActivePower, 5000, 0, 0xfc18, 0xffff, 950)
	src.set(5, RegInvLineVoltages, 4001, 4002, 4003, 2301, 2302, 2303)
	src.set(5, RegInvFrequency, 5002)
	src.set(5, RegInvPhaseCurrents, 8000, 0, 8100, 0, 8200, 0)
	src.set(5, RegInvPV1Voltage, 6002, 850, 5998, 820)
	src.set(5, RegInvRunningStatus, 0b110)
	src.set(5, RegInvInternalTemp, 412, 1055, 0x200)
	src.set(5, RegInvAlarm1, 16642, 0, 0)
	src.set(5, RegInvFaultCode, 0)

	rec := NewReader(src).ReadDevice(context.Background(), dev, ReadOptions{StringCount: 2})

	if rec.Error != "" {
		t.Fatalf("unexpected record error: %s", rec.Error)
	}
	if rec.UnitID != 5 || rec.DeviceName != "SUN2000-60KTL" {
		t.Errorf("identity header = %d %q", rec.UnitID, rec.DeviceName)
	}

	if rec.Model == nil || *rec.Model != "SUN2000-60KTL" {
		t.Errorf("Model = %v", rec.Model)
	}
	if rec.SerialNumber == nil || *rec.SerialNumber != "SN0012345678" {
		t.Errorf("SerialNumber = %v", rec.SerialNumber)
	}
	if rec.StringCount == nil || *rec.StringCount != 2 {
		t.Errorf("StringCount = %v", rec.StringCount)
	}

	fEq(t, "RatedPowerKW", rec.RatedPowerKW, 60)
	fEq(t, "ActivePowerKW", rec.ActivePowerKW, 5)
	fEq(t, "ReactivePowerKVar", rec.ReactivePowerKVar, -1)
	fEq(t, "InputPowerKW", rec.InputPowerKW, 5.1)
	fEq(t, "PowerFactor", rec.PowerFactor, 0.95)
	fEq(t, "DCCurrentA", rec.DCCurrentA, 2.5)
	fEq(t, "CabinetTemperatureC", rec.CabinetTemperatureC, 35.5)

	fEq(t, "LineVoltageABV", rec.LineVoltageABV, 400.1)
	fEq(t, "PhaseVoltageCV", rec.PhaseVoltageCV, 230.3)
	fEq(t, "PhaseCurrentAA", rec.PhaseCurrentAA, 8)
	fEq(t, "GridFrequencyHz", rec.GridFrequencyHz, 50.02)

	if len(rec.PVStrings) != 2 {
		t.Fatalf("got %d PV strings, want 2", len(rec.PVStrings))
	}
	s1 := rec.PVStrings[0]
	if s1.Index != 1 || s1.VoltageV != 600.2 || s1.CurrentA != 8.5 {
		t.Errorf("string 1 = %+v", s1)
	}
	if s1.PowerW != 600.2*8.5 {
		t.Errorf("string 1 power = %v, want derived %v", s1.PowerW, 600.2*8.5)
	}

	if rec.StatusCode == nil || *rec.StatusCode != 0x200 {
		t.Errorf("StatusCode = %v", rec.StatusCode)
	}
	if rec.StatusText != "On-grid" {
		t.Errorf("StatusText = %q", rec.StatusText)
	}
	if rec.RunningStatus == nil || *rec.RunningStatus != 0b110 {
		t.Errorf("RunningStatus = %v", rec.RunningStatus)
	}
	fEq(t, "InternalTemperatureC", rec.InternalTemperatureC, 41.2)

	if rec.Alarm1 == nil || *rec.Alarm1 != 16642 {
		t.Errorf("Alarm1 = %v", rec.Alarm1)
	}
	if rec.AlarmTexts == nil || len(*rec.AlarmTexts) != 3 {
		t.Errorf("AlarmTexts = %v", rec.AlarmTexts)
	}
	if rec.MajorFault == nil || *rec.MajorFault != 1 {
		t.Errorf("MajorFault = %v", rec.MajorFault)
	}
}

func TestReadDeviceFieldAbsentOnFailure(t *testing.T) {
	src := newFakeSource()
	src.failAddrs[regKey(5, RegInvLineVoltages)] = true
	src.set(5, RegInvFrequency, 5000)

	rec := NewReader(src).ReadDevice(context.Background(), DeviceInfo{UnitID: 5},
		ReadOptions{Categories: []Category{CategoryVoltages}})

	if rec.Error != "" {
		t.Fatalf("partial failure must not set the record error, got %q", rec.Error)
	}
	if rec.LineVoltageABV != nil {
		t.Errorf("LineVoltageABV = %v, want absent", *rec.LineVoltageABV)
	}
	fEq(t, "GridFrequencyHz", rec.GridFrequencyHz, 50)
}

func TestReadDeviceUnreachable(t *testing.T) {
	src := newFakeSource()
	src.failUnits[GatewayUnitID] = true
	src.failUnits[5] = true

	rec := NewReader(src).ReadDevice(context.Background(), DeviceInfo{UnitID: 5, Name: "SUN2000"}, ReadOptions{})

	if rec.Error == "" {
		t.Fatal("expected an error record for a fully unreachable device")
	}
	if rec.Model != nil || rec.ActivePowerKW != nil || rec.PVStrings != nil {
		t.Errorf("error record must not carry telemetry fields: %+v", rec)
	}
	if rec.UnitID != 5 || rec.DeviceName != "SUN2000" {
		t.Errorf("error record identity = %d %q", rec.UnitID, rec.DeviceName)
	}
}

func TestReadDevicePanicBecomesErrorRecord(t *testing.T) {
	src := newFakeSource()
	src.panicUnits[5] = true

	// The remap block lives on the gateway unit and still succeeds; a panic
	// on the device's own reads must nonetheless yield a pure error record,
	// not a crash and not a partial one.
	rec := NewReader(src).ReadDevice(context.Background(), DeviceInfo{UnitID: 5, Name: "SUN2000"}, ReadOptions{})

	if rec.Error == "" {
		t.Fatal("expected an error record for a panicking device read")
	}
	if rec.ActivePowerKW != nil || rec.Model != nil || rec.PVStrings != nil {
		t.Errorf("error record must not carry telemetry fields: %+v", rec)
	}
	if rec.UnitID != 5 || rec.DeviceName != "SUN2000" {
		t.Errorf("error record identity = %d %q", rec.UnitID, rec.DeviceName)
	}
}

func TestAlarmTextsToggle(t *testing.T) {
	opts := ReadOptions{Categories: []Category{CategoryAlarms}}

	// All alarm words zero, toggle off: field absent.
	rec := NewReader(newFakeSource()).ReadDevice(context.Background(), DeviceInfo{UnitID: 5}, opts)
	if rec.AlarmTexts != nil {
		t.Errorf("AlarmTexts = %v, want absent", *rec.AlarmTexts)
	}

	// Toggle on: field present and empty.
	opts.IncludeEmptyAlarms = true
	rec = NewReader(newFakeSource()).ReadDevice(context.Background(), DeviceInfo{UnitID: 5}, opts)
	if rec.AlarmTexts == nil {
		t.Fatal("AlarmTexts absent, want empty list")
	}
	if len(*rec.AlarmTexts) != 0 {
		t.Errorf("AlarmTexts = %v, want empty", *rec.AlarmTexts)
	}
}

func TestStringAutoDetectAndBatching(t *testing.T) {
	src := newFakeSource()
	src.set(5, RegInvStringCount, 12)

	rec := NewReader(src).ReadDevice(context.Background(), DeviceInfo{UnitID: 5},
		ReadOptions{Categories: []Category{CategoryStrings}})

	if len(rec.PVStrings) != 12 {
		t.Fatalf("got %d PV strings, want 12 (auto-detected)", len(rec.PVStrings))
	}
	if rec.PVStrings[11].Index != 12 {
		t.Errorf("last string index = %d, want 12", rec.PVStrings[11].Index)
	}

	// 12 strings split into a 10-string and a 2-string transport call.
	if !src.sawCall(readCall{5, 32016, 20}) {
		t.Error("missing first string batch read (32016, 20 registers)")
	}
	if !src.sawCall(readCall{5, 32036, 4}) {
		t.Error("missing second string batch read (32036, 4 registers)")
	}
}

func TestStringCountClamped(t *testing.T) {
	src := newFakeSource()
	src.set(5, RegInvStringCount, 40) // above the protocol maximum

	rec := NewReader(src).ReadDevice(context.Background(), DeviceInfo{UnitID: 5},
		ReadOptions{Categories: []Category{CategoryStrings}})

	if len(rec.PVStrings) != MaxPVStrings {
		t.Fatalf("got %d PV strings, want clamp to %d", len(rec.PVStrings), MaxPVStrings)
	}
}

func TestParseCategories(t *testing.T) {
	cats, err := ParseCategories([]string{"device", "alarms"})
	if err != nil {
		t.Fatalf("ParseCategories: %v", err)
	}
	if len(cats) != 2 || cats[0] != CategoryDevice || cats[1] != CategoryAlarms {
		t.Errorf("cats = %v", cats)
	}

	if _, err := ParseCategories([]string{"bogus"}); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestReadGateway(t *testing.T) {
	src := newFakeSource()
	src.set(GatewayUnitID, RegSysTime, 0x2280, 0x68b2, 1, 0x2e98, 0x2, 0xe990, 0xffff) // lon 143.0, lat -5.744
	src.set(GatewayUnitID, RegPlantTotalEnergy, 5000, 0, 120, 0, 42000, 0, 0, 0)
	src.set(GatewayUnitID, RegGatewayAlarm1, 3, 0)

	rec := NewReader(src).ReadGateway(context.Background())

	if rec.Error != "" {
		t.Fatalf("unexpected error: %s", rec.Error)
	}
	if rec.SystemTime == nil || *rec.SystemTime != 0x68b22280 {
		t.Errorf("SystemTime = %v", rec.SystemTime)
	}
	if rec.DSTEnabled == nil || !*rec.DSTEnabled {
		t.Errorf("DSTEnabled = %v", rec.DSTEnabled)
	}
	fEq(t, "Longitude", rec.Longitude, 143.0)
	fEq(t, "TotalEnergyKWh", rec.TotalEnergyKWh, 500)
	fEq(t, "DailyEnergyKWh", rec.DailyEnergyKWh, 12)
	fEq(t, "ActivePowerKW", rec.ActivePowerKW, 42)
	if rec.Alarm1 == nil || *rec.Alarm1 != 3 {
		t.Errorf("Alarm1 = %v", rec.Alarm1)
	}
}

func TestReadGatewayUnreachable(t *testing.T) {
	src := newFakeSource()
	src.failUnits[GatewayUnitID] = true

	rec := NewReader(src).ReadGateway(context.Background())
	if rec.Error == "" {
		t.Fatal("expected error on fully unreachable gateway")
	}
	if rec.SystemTime != nil {
		t.Error("error record must not carry fields")
	}
}
