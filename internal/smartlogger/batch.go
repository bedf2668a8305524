package smartlogger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type BatchOptions struct {
	// BatchSize partitions the device list; 0 or less means one batch.
	BatchSize int

	// Delay is inserted between consecutive device reads on the shared
	// session, to avoid overloading a modest embedded gateway.
	Delay time.Duration

	Read ReadOptions
}

// ReadAll fans the device list through ReadDevice in fixed-size batches and
// returns one record per device, in input order. A device whose read panics
// or fails entirely is represented by an error record; it never removes or
// reorders the other devices' results.
func (r *Reader) ReadAll(ctx context.Context, devices []DeviceInfo, opts BatchOptions) []*InverterRecord {
	size := opts.BatchSize
	if size <= 0 {
		size = len(devices)
	}

	records := make([]*InverterRecord, 0, len(devices))

	for start := 0; start < len(devices); start += size {
		end := min(start+size, len(devices))
		slog.Debug("reading device batch", "from", start, "to", end-1, "total", len(devices))

		for i, dev := range devices[start:end] {
			if start+i > 0 && opts.Delay > 0 {
				select {
				case <-time.After(opts.Delay):
				case <-ctx.Done():
				}
			}
			records = append(records, r.readDeviceSafe(ctx, dev, opts.Read))
		}
	}

	return records
}

// readDeviceSafe converts a panicking device read into an error record so one
// bad device cannot abort a multi-device sweep. ReadDevice already contains
// the panics of its category goroutines; this covers the caller's side.
func (r *Reader) readDeviceSafe(ctx context.Context, dev DeviceInfo, opts ReadOptions) (rec *InverterRecord) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("device read panicked", "unit", dev.UnitID, "panic", p)
			rec = &InverterRecord{
				UnitID:     dev.UnitID,
				DeviceName: dev.Name,
				Timestamp:  time.Now().UTC(),
				Error:      fmt.Sprintf("device read failed: %v", p),
			}
		}
	}()

	return r.ReadDevice(ctx, dev, opts)
}
