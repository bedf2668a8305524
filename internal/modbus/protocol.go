package modbus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// FuncReadHoldingRegisters is the only function code this client uses.
	FuncReadHoldingRegisters uint8 = 0x03

	exceptionFlag uint8 = 0x80

	// maxQuantity is the protocol limit for registers in one read request.
	maxQuantity uint16 = 125
)

type MBAPHeader struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        uint8
}

func (h *MBAPHeader) Scan(r io.Reader) error {
	header := make([]byte, 7)
	_, err := io.ReadFull(r, header)
	if err != nil {
		return fmt.Errorf("failed to read MBAP header: %w", err)
	}

	headerR := bytes.NewReader(header)

	binary.Read(headerR, binary.BigEndian, &h.TransactionID)
	binary.Read(headerR, binary.BigEndian, &h.ProtocolID)
	binary.Read(headerR, binary.BigEndian, &h.Length)
	binary.Read(headerR, binary.BigEndian, &h.UnitID)

	if h.ProtocolID != 0 {
		return fmt.Errorf("invalid protocol id: %d", h.ProtocolID)
	}
	if h.Length < 2 {
		return fmt.Errorf("invalid length: %d", h.Length)
	}

	return nil
}

func (h *MBAPHeader) Marshal() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.BigEndian, h.TransactionID)
	binary.Write(buf, binary.BigEndian, h.ProtocolID)
	binary.Write(buf, binary.BigEndian, h.Length)
	binary.Write(buf, binary.BigEndian, h.UnitID)

	return buf.Bytes()
}

// ADU is one Modbus TCP application data unit: MBAP header, function code, payload.
type ADU struct {
	MBAPHeader

	FunctionCode uint8
	Data         []byte
}

func (a *ADU) Scan(r io.Reader) error {
	err := a.MBAPHeader.Scan(r)
	if err != nil {
		return err
	}

	err = binary.Read(r, binary.BigEndian, &a.FunctionCode)
	if err != nil {
		return fmt.Errorf("failed to read function code: %w", err)
	}

	a.Data = make([]byte, a.Length-2) // -2 for unit id + fc (already read)
	_, err = io.ReadFull(r, a.Data)

	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}
	return nil
}

func (a *ADU) Marshal() []byte {
	buf := new(bytes.Buffer)

	buf.Write(a.MBAPHeader.Marshal())
	buf.WriteByte(a.FunctionCode)
	buf.Write(a.Data)

	return buf.Bytes()
}

// Exception returns a non-nil *ExceptionError when the ADU is an exception
// response (function code with the high bit set).
func (a *ADU) Exception() error {
	if a.FunctionCode&exceptionFlag == 0 {
		return nil
	}

	e := &ExceptionError{Function: a.FunctionCode &^ exceptionFlag}
	if len(a.Data) > 0 {
		e.Code = a.Data[0]
	}
	return e
}

// ExceptionError is a device-produced error response. The device answered, so
// the transport is healthy; the connection layer does not retry these.
type ExceptionError struct {
	Function uint8
	Code     uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception on function %#02x: %s (code %d)", e.Function, exceptionText(e.Code), e.Code)
}

func exceptionText(code uint8) string {
	switch code {
	case 1:
		return "illegal function"
	case 2:
		return "illegal data address"
	case 3:
		return "illegal data value"
	case 4:
		return "server device failure"
	case 6:
		return "server device busy"
	case 10:
		return "gateway path unavailable"
	case 11:
		return "gateway target device failed to respond"
	default:
		return "unknown exception"
	}
}
