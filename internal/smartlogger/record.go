package smartlogger

import "time"

type DeviceKind string

const (
	KindGateway  DeviceKind = "gateway"
	KindInverter DeviceKind = "inverter"
	KindOther    DeviceKind = "other"
)

// DeviceInfo describes one logical device found behind the gateway. Produced
// by discovery, consumed by the reader and the batch path.
type DeviceInfo struct {
	UnitID uint8      `json:"unitId"`
	Name   string     `json:"name,omitempty"`
	Kind   DeviceKind `json:"kind,omitempty"`

	// Address is the device's modbus sub-address, the input to the remap
	// formula. Falls back to UnitID when discovery could not read it.
	Address *uint16 `json:"address,omitempty"`
	Port    *uint16 `json:"port,omitempty"`
	Status  string  `json:"status,omitempty"`
}

// remapAddress picks the sub-address used for the remap block.
func (d DeviceInfo) remapAddress() uint16 {
	if d.Address != nil && *d.Address >= 1 {
		return *d.Address
	}
	return uint16(d.UnitID)
}

// PVString is one string's measurements. Power is derived from voltage and
// current, not read from a register.
type PVString struct {
	Index    int     `json:"index"`
	VoltageV float64 `json:"voltageV"`
	CurrentA float64 `json:"currentA"`
	PowerW   float64 `json:"powerW"`
}

// InverterRecord is the canonical per-device output. Fields are pointers so
// that a register that could not be read is absent rather than zero: a
// consumer can tell "no reading" from a genuine zero. Error is set when the
// acquisition degraded; an error-only record (no telemetry fields) means the
// device was entirely unreachable.
type InverterRecord struct {
	UnitID     uint8     `json:"unitId"`
	DeviceName string    `json:"deviceName,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// Identity
	Model           *string  `json:"model,omitempty"`
	SerialNumber    *string  `json:"serialNumber,omitempty"`
	FirmwareVersion *string  `json:"firmwareVersion,omitempty"`
	RatedPowerKW    *float64 `json:"ratedPowerKW,omitempty"`
	StringCount     *uint16  `json:"stringCount,omitempty"`

	// Power and energy
	ActivePowerKW     *float64 `json:"activePowerKW,omitempty"`
	ReactivePowerKVar *float64 `json:"reactivePowerKVar,omitempty"`
	InputPowerKW      *float64 `json:"inputPowerKW,omitempty"`
	PowerFactor       *float64 `json:"powerFactor,omitempty"`
	DCCurrentA        *float64 `json:"dcCurrentA,omitempty"`

	// Voltages and currents
	LineVoltageABV  *float64 `json:"lineVoltageABV,omitempty"`
	LineVoltageBCV  *float64 `json:"lineVoltageBCV,omitempty"`
	LineVoltageCAV  *float64 `json:"lineVoltageCAV,omitempty"`
	PhaseVoltageAV  *float64 `json:"phaseVoltageAV,omitempty"`
	PhaseVoltageBV  *float64 `json:"phaseVoltageBV,omitempty"`
	PhaseVoltageCV  *float64 `json:"phaseVoltageCV,omitempty"`
	PhaseCurrentAA  *float64 `json:"phaseCurrentAA,omitempty"`
	PhaseCurrentBA  *float64 `json:"phaseCurrentBA,omitempty"`
	PhaseCurrentCA  *float64 `json:"phaseCurrentCA,omitempty"`
	GridFrequencyHz *float64 `json:"gridFrequencyHz,omitempty"`

	// PV strings
	PVStrings []PVString `json:"pvStrings,omitempty"`

	// Status
	StatusCode               *uint16  `json:"statusCode,omitempty"`
	StatusText               string   `json:"statusText,omitempty"`
	RunningStatus            *uint16  `json:"runningStatus,omitempty"`
	RunningStatusTexts       []string `json:"runningStatusTexts,omitempty"`
	InternalTemperatureC     *float64 `json:"internalTemperatureC,omitempty"`
	CabinetTemperatureC      *float64 `json:"cabinetTemperatureC,omitempty"`
	InsulationResistanceMOhm *float64 `json:"insulationResistanceMOhm,omitempty"`

	// Alarms. AlarmTexts is a pointer so the decoded (possibly empty) list
	// can be included or omitted depending on configuration.
	Alarm1     *uint16   `json:"alarm1,omitempty"`
	Alarm2     *uint16   `json:"alarm2,omitempty"`
	Alarm3     *uint16   `json:"alarm3,omitempty"`
	AlarmTexts *[]string `json:"alarmTexts,omitempty"`
	MajorFault *uint16   `json:"majorFault,omitempty"`
	MinorFault *uint16   `json:"minorFault,omitempty"`
	Warning    *uint16   `json:"warning,omitempty"`
	FaultCode  *uint16   `json:"faultCode,omitempty"`

	Error string `json:"error,omitempty"`
}

// GatewayRecord is the SmartLogger's own direct-register snapshot.
type GatewayRecord struct {
	Timestamp time.Time `json:"timestamp"`

	SystemTime *uint32  `json:"systemTime,omitempty"`
	DSTEnabled *bool    `json:"dstEnabled,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`

	TotalEnergyKWh    *float64 `json:"totalEnergyKWh,omitempty"`
	DailyEnergyKWh    *float64 `json:"dailyEnergyKWh,omitempty"`
	ActivePowerKW     *float64 `json:"activePowerKW,omitempty"`
	ReactivePowerKVar *float64 `json:"reactivePowerKVar,omitempty"`
	CO2ReductionT     *float64 `json:"co2ReductionT,omitempty"`

	WindSpeedMS          *float64 `json:"windSpeedMS,omitempty"`
	WindDirectionDeg     *float64 `json:"windDirectionDeg,omitempty"`
	PVModuleTemperatureC *float64 `json:"pvModuleTemperatureC,omitempty"`
	AmbientTemperatureC  *float64 `json:"ambientTemperatureC,omitempty"`
	IrradianceWM2        *float64 `json:"irradianceWM2,omitempty"`
	DailyIrradiationMJM2 *float64 `json:"dailyIrradiationMJM2,omitempty"`

	Alarm1 *uint16 `json:"alarm1,omitempty"`
	Alarm2 *uint16 `json:"alarm2,omitempty"`

	Error string `json:"error,omitempty"`
}

func ptr[T any](v T) *T {
	return &v
}
