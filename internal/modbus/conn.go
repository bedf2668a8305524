package modbus

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultPort    uint16 = 502
	DefaultTimeout        = 5 * time.Second

	retryBackoffBase = 250 * time.Millisecond

	// maxBackoffShift caps the exponential backoff at base << shift (64s);
	// retry counts come from user config and may be large enough to overflow
	// the shift otherwise.
	maxBackoffShift = 8

	// Responses left over from a timed-out request may still be queued on the
	// socket. We skip a bounded number of stale frames before giving up.
	maxStaleFrames = 8
)

var ErrClosed = errors.New("modbus: connection closed")

type Config struct {
	Host string
	Port uint16

	// UnitID is the session's default target. Reads that name a different
	// unit temporarily retarget the session and restore this value before
	// returning.
	UnitID uint8

	// Timeout bounds a single request/response round trip.
	Timeout time.Duration

	// Retries is the number of additional attempts after a transport failure.
	Retries int
}

func (cfg *Config) withDefaults() Config {
	out := *cfg
	if out.Port == 0 {
		out.Port = DefaultPort
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.Retries < 0 {
		out.Retries = 0
	}
	return out
}

// Conn is one Modbus TCP session to a gateway. Requests are strictly
// serialized: the SmartLogger firmware mishandles interleaved requests
// targeting different unit ids on a single session, so at most one request is
// in flight per Conn. Use one Conn per concurrently-active unit id.
type Conn struct {
	cfg  Config
	txID atomic.Uint32 // u16 on the wire, overflow during conversion is fine

	mu     sync.Mutex // serializes requests, guards the fields below
	conn   net.Conn
	unitID uint8 // active target, restored to cfg.UnitID after an override
	closed bool
}

func New(cfg Config) *Conn {
	c := &Conn{cfg: cfg.withDefaults()}
	c.unitID = c.cfg.UnitID
	c.txID.Store(uint32(time.Now().UnixNano() & 0xffff))
	return c
}

// Dial creates a session and establishes its transport eagerly.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	c := New(cfg)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes the TCP transport if it is not already up.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Conn) connectLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return nil
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial modbus tcp %s: %w", addr, err)
	}

	slog.Debug("modbus session connected", "addr", addr, "unit", c.cfg.UnitID)
	c.conn = conn
	return nil
}

// Close tears down the session. It is idempotent and always safe to call,
// including from cleanup paths after a failed read.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.dropLocked()
	return nil
}

func (c *Conn) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// ReadRegisters reads quantity holding registers at addr from the session's
// default unit.
func (c *Conn) ReadRegisters(ctx context.Context, addr, quantity uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked(ctx, addr, quantity)
}

// ReadRegistersFrom reads from a specific unit id. The session's active unit
// id is overridden for the duration of the call and restored on every exit
// path, so a later ReadRegisters still targets the configured default.
func (c *Conn) ReadRegistersFrom(ctx context.Context, unit uint8, addr, quantity uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.unitID
	c.unitID = unit
	defer func() {
		c.unitID = prev
	}()

	return c.readLocked(ctx, addr, quantity)
}

func (c *Conn) readLocked(ctx context.Context, addr, quantity uint16) ([]uint16, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if quantity < 1 || quantity > maxQuantity {
		return nil, fmt.Errorf("modbus: quantity %d must be between 1 and %d", quantity, maxQuantity)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff(attempt)
			slog.Debug("retrying register read", "addr", addr, "unit", c.unitID, "attempt", attempt, "backoff", backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("modbus: read aborted while backing off: %w", ctx.Err())
			}
		}

		if err := c.connectLocked(ctx); err != nil {
			lastErr = err
			continue
		}

		regs, err := c.roundTripLocked(ctx, addr, quantity)
		if err == nil {
			return regs, nil
		}

		var exc *ExceptionError
		if errors.As(err, &exc) {
			// The device answered; retrying the same request cannot help.
			return nil, err
		}

		lastErr = err
		c.dropLocked()

		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("modbus: read of %d registers at %d from unit %d failed after %d attempts: %w",
		quantity, addr, c.unitID, c.cfg.Retries+1, lastErr)
}

// retryBackoff doubles per attempt from the base, capped so arbitrarily
// large configured retry counts cannot shift the duration negative.
func retryBackoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return retryBackoffBase << shift
}

func (c *Conn) roundTripLocked(ctx context.Context, addr, quantity uint16) ([]uint16, error) {
	tid := uint16(c.txID.Add(1))

	var payload bytes.Buffer
	binary.Write(&payload, binary.BigEndian, addr)
	binary.Write(&payload, binary.BigEndian, quantity)

	req := &ADU{
		MBAPHeader: MBAPHeader{
			TransactionID: tid,
			ProtocolID:    0x0000,
			Length:        uint16(payload.Len() + 2), // unit id + fc
			UnitID:        c.unitID,
		},
		FunctionCode: FuncReadHoldingRegisters,
		Data:         payload.Bytes(),
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	slog.Debug("sending register read", "transaction_id", tid, "unit", c.unitID, "addr", addr, "quantity", quantity)
	if _, err := c.conn.Write(req.Marshal()); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	resp := &ADU{}
	for stale := 0; ; stale++ {
		if err := resp.Scan(c.conn); err != nil {
			return nil, err
		}
		if resp.TransactionID == tid {
			break
		}
		if stale >= maxStaleFrames {
			return nil, fmt.Errorf("modbus: no response for transaction %d after %d frames", tid, stale+1)
		}
		slog.Debug("skipping stale frame", "got", resp.TransactionID, "want", tid)
	}

	if err := resp.Exception(); err != nil {
		return nil, err
	}
	if resp.FunctionCode != FuncReadHoldingRegisters {
		return nil, fmt.Errorf("modbus: unexpected function code %#02x in response", resp.FunctionCode)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("modbus: register read response data is empty")
	}

	count := int(resp.Data[0])
	if count != int(quantity)*2 {
		return nil, fmt.Errorf("modbus: response byte count %d does not match requested %d registers", count, quantity)
	}
	values := resp.Data[1:]
	if len(values) != count {
		return nil, fmt.Errorf("modbus: response payload size %d does not match byte count %d", len(values), count)
	}

	regs := make([]uint16, quantity)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(values[2*i : 2*i+2])
	}
	return regs, nil
}
