package smartlogger

import (
	"sort"
	"strconv"
	"strings"
)

// SmartLogger direct registers, read on the gateway's own unit id.
const (
	GatewayUnitID uint8 = 0

	RegSysTime   uint16 = 40000 // U32, epoch seconds
	RegDSTEnable uint16 = 40002 // U16, 0/1
	RegLongitude uint16 = 40003 // I32, gain 1000, degrees
	RegLatitude  uint16 = 40005 // I32, gain 1000, degrees

	RegPlantTotalEnergy   uint16 = 40521 // U32, gain 10, kWh
	RegPlantDailyEnergy   uint16 = 40523 // U32, gain 10, kWh
	RegPlantActivePower   uint16 = 40525 // I32, gain 1000, kW
	RegPlantReactivePower uint16 = 40527 // I32, gain 1000, kVar
	RegPlantCO2Reduction  uint16 = 40550 // U32, gain 10, tonnes

	RegWindSpeed        uint16 = 40031 // U16, gain 10, m/s
	RegWindDirection    uint16 = 40032 // U16, degrees
	RegPVModuleTemp     uint16 = 40033 // I16, gain 10, degC
	RegAmbientTemp      uint16 = 40034 // I16, gain 10, degC
	RegIrradiance       uint16 = 40035 // U16, gain 10, W/m2
	RegDailyIrradiation uint16 = 40036 // U32, gain 1000, MJ/m2

	RegGatewayAlarm1 uint16 = 50000 // U16 bitfield
	RegGatewayAlarm2 uint16 = 50001 // U16 bitfield
)

// Identification block, present at the same addresses on every unit behind
// the gateway. Discovery probes these with a per-call unit id.
const (
	RegDeviceName    uint16 = 65510 // string, 10 registers
	RegDeviceNameLen uint16 = 10
	RegDeviceStatus  uint16 = 65520 // U16, connection state
	RegDevicePort    uint16 = 65521 // U16
	RegDeviceAddress uint16 = 65522 // U16, modbus sub-address
)

// SUN2000 direct registers, read with the inverter's own unit id.
const (
	RegInvModel       uint16 = 30000 // string, 15 registers
	RegInvModelLen    uint16 = 15
	RegInvSerial      uint16 = 30015 // string, 10 registers
	RegInvSerialLen   uint16 = 10
	RegInvFirmware    uint16 = 30035 // string, 15 registers
	RegInvFirmwareLen uint16 = 15

	RegInvStringCount uint16 = 30071 // U16
	RegInvRatedPower  uint16 = 30073 // U32, gain 1000, kW

	RegInvRunningStatus uint16 = 32002 // U16 bitfield

	RegInvAlarm1 uint16 = 32008 // U16 bitfield
	RegInvAlarm2 uint16 = 32009 // U16 bitfield
	RegInvAlarm3 uint16 = 32010 // U16 bitfield

	RegInvPV1Voltage uint16 = 32016 // I16, gain 10, V; strings alternate V/I from here

	RegInvLineVoltages  uint16 = 32066 // 6x U16 from here: Uab Ubc Uca Ua Ub Uc, gain 10
	RegInvPhaseCurrents uint16 = 32072 // 3x I32 from here: Ia Ib Ic, gain 1000

	RegInvInputPower    uint16 = 32064 // I32, gain 1000, kW
	RegInvActivePower   uint16 = 32080 // I32, gain 1000, kW
	RegInvReactivePower uint16 = 32082 // I32, gain 1000, kVar
	RegInvPowerFactor   uint16 = 32084 // I16, gain 1000
	RegInvFrequency     uint16 = 32085 // U16, gain 100, Hz
	RegInvInternalTemp  uint16 = 32087 // I16, gain 10, degC
	RegInvInsulation    uint16 = 32088 // U16, gain 1000, MOhm
	RegInvDeviceStatus  uint16 = 32089 // U16, enum
	RegInvFaultCode     uint16 = 32090 // U16
)

// MaxPVStrings is the protocol limit on PV strings per inverter.
const MaxPVStrings = 24

// pvStringBatch is how many strings (voltage+current pairs) we request per
// transport call, to keep requests small for the embedded gateway.
const pvStringBatch = 10

// Remap block: the gateway exposes a fixed telemetry subset for each inverter
// at a synthetic address computed from the inverter's modbus sub-address,
// readable on the gateway's own unit id. The 25-register stride exceeds the
// largest offset, so blocks of distinct devices never overlap.
const (
	remapOrigin uint16 = 51000
	remapStride uint16 = 25

	RemapActivePower   uint16 = 0  // I32, gain 1000, kW
	RemapReactivePower uint16 = 2  // I32, gain 1000, kVar
	RemapDCCurrent     uint16 = 4  // I16, gain 10, A
	RemapInputPower    uint16 = 5  // U32, gain 1000, kW
	RemapInsulation    uint16 = 7  // U16, gain 1000, MOhm
	RemapPowerFactor   uint16 = 8  // I16, gain 1000
	RemapStatus        uint16 = 9  // U16
	RemapCabinetTemp   uint16 = 10 // I16, gain 10, degC
	RemapMajorFault    uint16 = 11 // U16
	RemapMinorFault    uint16 = 12 // U16
	RemapWarning       uint16 = 13 // U16

	remapSpan uint16 = 14 // registers covering all offsets above
)

// RemapBase returns the start of the remap block for a device sub-address.
// Valid addresses are 1..247.
func RemapBase(deviceAddr uint16) uint16 {
	return remapOrigin + remapStride*(deviceAddr-1)
}

// ParseUnitList parses a unit-id list such as "1-2,6,8" into a sorted,
// de-duplicated set. Malformed tokens are skipped rather than failing the
// whole parse; out-of-range ids (outside 1..247) are dropped.
func ParseUnitList(s string) []uint8 {
	seen := make(map[uint8]bool)

	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		lo, hi, ok := strings.Cut(token, "-")
		start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
		if err != nil {
			continue
		}
		end := start
		if ok {
			end, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
			if err != nil || end < start {
				continue
			}
		}

		for u := start; u <= end; u++ {
			if u >= 1 && u <= 247 {
				seen[uint8(u)] = true
			}
		}
	}

	units := make([]uint8, 0, len(seen))
	for u := range seen {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	return units
}
