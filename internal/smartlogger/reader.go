package smartlogger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Category selects one group of registers for a device read.
type Category string

const (
	CategoryDevice   Category = "device"
	CategoryPower    Category = "power"
	CategoryVoltages Category = "voltages"
	CategoryCurrents Category = "currents"
	CategoryStrings  Category = "strings"
	CategoryStatus   Category = "status"
	CategoryAlarms   Category = "alarms"
)

var AllCategories = []Category{
	CategoryDevice,
	CategoryPower,
	CategoryVoltages,
	CategoryCurrents,
	CategoryStrings,
	CategoryStatus,
	CategoryAlarms,
}

// ParseCategories validates a list of category names.
func ParseCategories(names []string) ([]Category, error) {
	known := make(map[Category]bool, len(AllCategories))
	for _, c := range AllCategories {
		known[c] = true
	}

	out := make([]Category, 0, len(names))
	for _, n := range names {
		c := Category(n)
		if !known[c] {
			return nil, fmt.Errorf("unknown category %q", n)
		}
		out = append(out, c)
	}
	return out, nil
}

// RegisterSource is the transport surface the reader needs. *modbus.Conn
// implements it.
type RegisterSource interface {
	// ReadRegisters reads from the session's default unit (the gateway).
	ReadRegisters(ctx context.Context, addr, quantity uint16) ([]uint16, error)
	// ReadRegistersFrom reads from a specific unit behind the gateway.
	ReadRegistersFrom(ctx context.Context, unit uint8, addr, quantity uint16) ([]uint16, error)
}

type ReadOptions struct {
	// Categories to read. Empty means all.
	Categories []Category

	// StringCount overrides PV string auto-detection when non-zero.
	StringCount uint16

	// IncludeEmptyAlarms forces the decoded alarm-text list into the record
	// even when no alarm bit is set, for schema-stable downstream consumers.
	IncludeEmptyAlarms bool
}

// Reader produces one InverterRecord per device. It issues category reads
// concurrently; the underlying session serializes them on the wire.
type Reader struct {
	src RegisterSource
}

func NewReader(src RegisterSource) *Reader {
	return &Reader{src: src}
}

// ReadDevice reads the requested categories plus the remap base telemetry for
// one device. Individual register failures leave their fields absent. When
// every read failed, the record carries only identity and an error; already
// merged fields are kept whenever at least one read succeeded.
func (r *Reader) ReadDevice(ctx context.Context, dev DeviceInfo, opts ReadOptions) *InverterRecord {
	rec := &InverterRecord{
		UnitID:     dev.UnitID,
		DeviceName: dev.Name,
		Timestamp:  time.Now().UTC(),
	}

	d := &deviceRead{src: r.src, unit: dev.UnitID, rec: rec}

	cats := opts.Categories
	if len(cats) == 0 {
		cats = AllCategories
	}

	g := new(errgroup.Group)

	// Base telemetry via the gateway's remap block is always read.
	g.Go(func() error {
		defer d.recoverPanic()
		d.readRemapBlock(ctx, dev.remapAddress())
		return nil
	})

	for _, cat := range cats {
		g.Go(func() error {
			defer d.recoverPanic()
			d.readCategory(ctx, cat, opts)
			return nil
		})
	}
	g.Wait()

	if d.panicked != nil {
		return &InverterRecord{
			UnitID:     dev.UnitID,
			DeviceName: dev.Name,
			Timestamp:  rec.Timestamp,
			Error:      fmt.Sprintf("device read failed: %v", d.panicked),
		}
	}

	if d.reads > 0 && d.fails == d.reads {
		rec.Error = fmt.Sprintf("device unreachable: %v", d.lastErr)
	}
	return rec
}

// deviceRead tracks one in-flight device acquisition. Merges into the record
// happen under mu; categories run concurrently.
type deviceRead struct {
	src  RegisterSource
	unit uint8

	mu       sync.Mutex
	rec      *InverterRecord
	reads    int
	fails    int
	lastErr  error
	panicked any
}

// recoverPanic runs deferred in every category goroutine. The errgroup does
// not carry panics back to the caller, so an unrecovered panic here would
// take down the whole process; instead the first panic value is kept and the
// device is reported as an error record.
func (d *deviceRead) recoverPanic() {
	if p := recover(); p != nil {
		slog.Error("device read panicked", "unit", d.unit, "panic", p)
		d.mu.Lock()
		if d.panicked == nil {
			d.panicked = p
		}
		d.mu.Unlock()
	}
}

// direct reads registers addressed with the device's own unit id.
func (d *deviceRead) direct(ctx context.Context, addr, quantity uint16) ([]uint16, bool) {
	regs, err := d.src.ReadRegistersFrom(ctx, d.unit, addr, quantity)
	return d.note(addr, regs, err)
}

// gateway reads registers on the session's default unit (remap block).
func (d *deviceRead) gateway(ctx context.Context, addr, quantity uint16) ([]uint16, bool) {
	regs, err := d.src.ReadRegisters(ctx, addr, quantity)
	return d.note(addr, regs, err)
}

func (d *deviceRead) note(addr uint16, regs []uint16, err error) ([]uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reads++
	if err != nil {
		d.fails++
		d.lastErr = err
		slog.Debug("register read failed", "unit", d.unit, "addr", addr, "err", err)
		return nil, false
	}
	return regs, true
}

func (d *deviceRead) merge(f func(rec *InverterRecord)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f(d.rec)
}

func (d *deviceRead) readCategory(ctx context.Context, cat Category, opts ReadOptions) {
	switch cat {
	case CategoryDevice:
		d.readIdentity(ctx)
	case CategoryPower:
		d.readPower(ctx)
	case CategoryVoltages:
		d.readVoltages(ctx)
	case CategoryCurrents:
		d.readCurrents(ctx)
	case CategoryStrings:
		d.readStrings(ctx, opts.StringCount)
	case CategoryStatus:
		d.readStatus(ctx)
	case CategoryAlarms:
		d.readAlarms(ctx, opts.IncludeEmptyAlarms)
	}
}

func (d *deviceRead) readRemapBlock(ctx context.Context, deviceAddr uint16) {
	regs, ok := d.gateway(ctx, RemapBase(deviceAddr), remapSpan)
	if !ok {
		return
	}

	d.merge(func(rec *InverterRecord) {
		rec.ActivePowerKW = ptr(Scaled(I32(regs[RemapActivePower], regs[RemapActivePower+1]), 1000))
		rec.ReactivePowerKVar = ptr(Scaled(I32(regs[RemapReactivePower], regs[RemapReactivePower+1]), 1000))
		rec.DCCurrentA = ptr(Scaled(I16(regs[RemapDCCurrent]), 10))
		rec.InputPowerKW = ptr(Scaled(U32(regs[RemapInputPower], regs[RemapInputPower+1]), 1000))
		rec.InsulationResistanceMOhm = ptr(Scaled(regs[RemapInsulation], 1000))
		rec.PowerFactor = ptr(Scaled(I16(regs[RemapPowerFactor]), 1000))
		rec.CabinetTemperatureC = ptr(Scaled(I16(regs[RemapCabinetTemp]), 10))
		rec.MajorFault = ptr(regs[RemapMajorFault])
		rec.MinorFault = ptr(regs[RemapMinorFault])
		rec.Warning = ptr(regs[RemapWarning])

		if rec.StatusCode == nil {
			status := regs[RemapStatus]
			rec.StatusCode = ptr(status)
			rec.StatusText = StatusText(status)
		}
	})
}

func (d *deviceRead) readIdentity(ctx context.Context) {
	if regs, ok := d.direct(ctx, RegInvModel, RegInvModelLen); ok {
		d.merge(func(rec *InverterRecord) { rec.Model = ptr(String(regs, 2*int(RegInvModelLen))) })
	}
	if regs, ok := d.direct(ctx, RegInvSerial, RegInvSerialLen); ok {
		d.merge(func(rec *InverterRecord) { rec.SerialNumber = ptr(String(regs, 2*int(RegInvSerialLen))) })
	}
	if regs, ok := d.direct(ctx, RegInvFirmware, RegInvFirmwareLen); ok {
		d.merge(func(rec *InverterRecord) { rec.FirmwareVersion = ptr(String(regs, 2*int(RegInvFirmwareLen))) })
	}
	if regs, ok := d.direct(ctx, RegInvStringCount, 1); ok {
		d.merge(func(rec *InverterRecord) { rec.StringCount = ptr(regs[0]) })
	}
	if regs, ok := d.direct(ctx, RegInvRatedPower, 2); ok {
		d.merge(func(rec *InverterRecord) { rec.RatedPowerKW = ptr(Scaled(U32(regs[0], regs[1]), 1000)) })
	}
}

func (d *deviceRead) readPower(ctx context.Context) {
	if regs, ok := d.direct(ctx, RegInvInputPower, 2); ok {
		d.merge(func(rec *InverterRecord) { rec.InputPowerKW = ptr(Scaled(I32(regs[0], regs[1]), 1000)) })
	}
	// Active power, reactive power, and power factor sit in one block.
	if regs, ok := d.direct(ctx, RegInvActivePower, 5); ok {
		d.merge(func(rec *InverterRecord) {
			rec.ActivePowerKW = ptr(Scaled(I32(regs[0], regs[1]), 1000))
			rec.ReactivePowerKVar = ptr(Scaled(I32(regs[2], regs[3]), 1000))
			rec.PowerFactor = ptr(Scaled(I16(regs[4]), 1000))
		})
	}
}

func (d *deviceRead) readVoltages(ctx context.Context) {
	if regs, ok := d.direct(ctx, RegInvLineVoltages, 6); ok {
		d.merge(func(rec *InverterRecord) {
			rec.LineVoltageABV = ptr(Scaled(regs[0], 10))
			rec.LineVoltageBCV = ptr(Scaled(regs[1], 10))
			rec.LineVoltageCAV = ptr(Scaled(regs[2], 10))
			rec.PhaseVoltageAV = ptr(Scaled(regs[3], 10))
			rec.PhaseVoltageBV = ptr(Scaled(regs[4], 10))
			rec.PhaseVoltageCV = ptr(Scaled(regs[5], 10))
		})
	}
	if regs, ok := d.direct(ctx, RegInvFrequency, 1); ok {
		d.merge(func(rec *InverterRecord) { rec.GridFrequencyHz = ptr(Scaled(regs[0], 100)) })
	}
}

func (d *deviceRead) readCurrents(ctx context.Context) {
	regs, ok := d.direct(ctx, RegInvPhaseCurrents, 6)
	if !ok {
		return
	}
	d.merge(func(rec *InverterRecord) {
		rec.PhaseCurrentAA = ptr(Scaled(I32(regs[0], regs[1]), 1000))
		rec.PhaseCurrentBA = ptr(Scaled(I32(regs[2], regs[3]), 1000))
		rec.PhaseCurrentCA = ptr(Scaled(I32(regs[4], regs[5]), 1000))
	})
}

func (d *deviceRead) readStrings(ctx context.Context, count uint16) {
	if count == 0 {
		regs, ok := d.direct(ctx, RegInvStringCount, 1)
		if !ok {
			return
		}
		count = regs[0]
		d.merge(func(rec *InverterRecord) { rec.StringCount = ptr(count) })
	}
	if count == 0 {
		return
	}
	if count > MaxPVStrings {
		slog.Warn("string count above protocol maximum, clamping", "unit", d.unit, "count", count, "max", MaxPVStrings)
		count = MaxPVStrings
	}

	for start := uint16(0); start < count; start += pvStringBatch {
		n := min(pvStringBatch, count-start)

		regs, ok := d.direct(ctx, RegInvPV1Voltage+2*start, 2*n)
		if !ok {
			continue
		}

		strings := make([]PVString, 0, n)
		for i := uint16(0); i < n; i++ {
			v := Scaled(I16(regs[2*i]), 10)
			a := Scaled(I16(regs[2*i+1]), 100)
			strings = append(strings, PVString{
				Index:    int(start + i + 1),
				VoltageV: v,
				CurrentA: a,
				PowerW:   v * a,
			})
		}
		d.merge(func(rec *InverterRecord) { rec.PVStrings = append(rec.PVStrings, strings...) })
	}
}

func (d *deviceRead) readStatus(ctx context.Context) {
	if regs, ok := d.direct(ctx, RegInvRunningStatus, 1); ok {
		d.merge(func(rec *InverterRecord) {
			rec.RunningStatus = ptr(regs[0])
			rec.RunningStatusTexts = RunningStatusText(regs[0])
		})
	}
	// Temperature, insulation resistance, and status code sit in one block.
	if regs, ok := d.direct(ctx, RegInvInternalTemp, 3); ok {
		d.merge(func(rec *InverterRecord) {
			rec.InternalTemperatureC = ptr(Scaled(I16(regs[0]), 10))
			rec.InsulationResistanceMOhm = ptr(Scaled(regs[1], 1000))
			rec.StatusCode = ptr(regs[2])
			rec.StatusText = StatusText(regs[2])
		})
	}
}

func (d *deviceRead) readAlarms(ctx context.Context, includeEmpty bool) {
	if regs, ok := d.direct(ctx, RegInvAlarm1, 3); ok {
		texts := DecodeAlarms(regs[0], regs[1], regs[2])
		d.merge(func(rec *InverterRecord) {
			rec.Alarm1 = ptr(regs[0])
			rec.Alarm2 = ptr(regs[1])
			rec.Alarm3 = ptr(regs[2])
			if len(texts) > 0 || includeEmpty {
				rec.AlarmTexts = &texts
			}
		})
	}
	if regs, ok := d.direct(ctx, RegInvFaultCode, 1); ok {
		d.merge(func(rec *InverterRecord) { rec.FaultCode = ptr(regs[0]) })
	}
}

// ReadGateway reads the SmartLogger's own direct registers. Unreadable
// registers are absent; the record carries an error only when the gateway
// answered nothing at all.
func (r *Reader) ReadGateway(ctx context.Context) *GatewayRecord {
	rec := &GatewayRecord{Timestamp: time.Now().UTC()}

	reads, fails := 0, 0
	var lastErr error
	read := func(addr, quantity uint16) ([]uint16, bool) {
		reads++
		regs, err := r.src.ReadRegisters(ctx, addr, quantity)
		if err != nil {
			fails++
			lastErr = err
			slog.Debug("gateway register read failed", "addr", addr, "err", err)
			return nil, false
		}
		return regs, true
	}

	if regs, ok := read(RegSysTime, 7); ok {
		rec.SystemTime = ptr(U32(regs[0], regs[1]))
		rec.DSTEnabled = ptr(regs[2] != 0)
		rec.Longitude = ptr(Scaled(I32(regs[3], regs[4]), 1000))
		rec.Latitude = ptr(Scaled(I32(regs[5], regs[6]), 1000))
	}
	if regs, ok := read(RegPlantTotalEnergy, 8); ok {
		rec.TotalEnergyKWh = ptr(Scaled(U32(regs[0], regs[1]), 10))
		rec.DailyEnergyKWh = ptr(Scaled(U32(regs[2], regs[3]), 10))
		rec.ActivePowerKW = ptr(Scaled(I32(regs[4], regs[5]), 1000))
		rec.ReactivePowerKVar = ptr(Scaled(I32(regs[6], regs[7]), 1000))
	}
	if regs, ok := read(RegPlantCO2Reduction, 2); ok {
		rec.CO2ReductionT = ptr(Scaled(U32(regs[0], regs[1]), 10))
	}
	if regs, ok := read(RegWindSpeed, 7); ok {
		rec.WindSpeedMS = ptr(Scaled(regs[0], 10))
		rec.WindDirectionDeg = ptr(Scaled(regs[1], 1))
		rec.PVModuleTemperatureC = ptr(Scaled(I16(regs[2]), 10))
		rec.AmbientTemperatureC = ptr(Scaled(I16(regs[3]), 10))
		rec.IrradianceWM2 = ptr(Scaled(regs[4], 10))
		rec.DailyIrradiationMJM2 = ptr(Scaled(U32(regs[5], regs[6]), 1000))
	}
	if regs, ok := read(RegGatewayAlarm1, 2); ok {
		rec.Alarm1 = ptr(regs[0])
		rec.Alarm2 = ptr(regs[1])
	}

	if reads > 0 && fails == reads {
		rec.Error = fmt.Sprintf("gateway unreachable: %v", lastErr)
	}
	return rec
}
