package smartlogger

import "fmt"

type Severity string

const (
	SeverityMajor   Severity = "Major"
	SeverityMinor   Severity = "Minor"
	SeverityWarning Severity = "Warning"
)

type alarmDef struct {
	desc string
	sev  Severity
}

// Bit tables for the three SUN2000 alarm registers, indexed by bit position.
// These never change at runtime; mistranslating an alarm has operational
// safety implications, so the tables are kept verbatim from the vendor list.
var alarm1Defs = [16]alarmDef{
	{"High String Input Voltage", SeverityMajor},
	{"DC Arc Fault", SeverityMajor},
	{"String Reverse Connection", SeverityMajor},
	{"String Current Backfeed", SeverityWarning},
	{"Abnormal String Power", SeverityWarning},
	{"AFCI Self-Check Fail", SeverityMajor},
	{"Phase Wire Short-Circuited to PE", SeverityMajor},
	{"Grid Loss", SeverityMajor},
	{"Grid Undervoltage", SeverityMajor},
	{"Grid Overvoltage", SeverityMajor},
	{"Grid Voltage Imbalance", SeverityMajor},
	{"Grid Overfrequency", SeverityMajor},
	{"Grid Underfrequency", SeverityMajor},
	{"Unstable Grid Frequency", SeverityMajor},
	{"Output Overcurrent", SeverityMajor},
	{"Output DC Component Overhigh", SeverityMajor},
}

var alarm2Defs = [16]alarmDef{
	{"Abnormal Residual Current", SeverityMajor},
	{"Abnormal Grounding", SeverityMajor},
	{"Low Insulation Resistance", SeverityMajor},
	{"Overtemperature", SeverityMinor},
	{"Device Fault", SeverityMajor},
	{"Upgrade Failed or Version Mismatch", SeverityMinor},
	{"License Expired", SeverityWarning},
	{"Faulty Monitoring Unit", SeverityMinor},
	{"Faulty Power Collector", SeverityMajor},
	{"Battery Abnormal", SeverityMinor},
	{"Active Islanding", SeverityMajor},
	{"Passive Islanding", SeverityMajor},
	{"Transient AC Overvoltage", SeverityMajor},
	{"Peripheral Port Short Circuit", SeverityWarning},
	{"Churn Output Overload", SeverityMajor},
	{"Abnormal PV Module Configuration", SeverityMajor},
}

var alarm3Defs = [16]alarmDef{
	{"Optimizer Fault", SeverityWarning},
	{"Built-in PID Operation Abnormal", SeverityMinor},
	{"High Input String Voltage to Ground", SeverityMajor},
	{"External Fan Abnormal", SeverityMajor},
	{"Battery Reverse Connection", SeverityMajor},
	{"On-grid/Off-grid Controller Abnormal", SeverityMajor},
	{"PV String Loss", SeverityWarning},
	{"Internal Fan Abnormal", SeverityMajor},
	{"DC Protection Unit Abnormal", SeverityMajor},
	{"EL Unit Abnormal", SeverityMinor},
	{"Active Adjustment Instruction Abnormal", SeverityMajor},
	{"Reactive Adjustment Instruction Abnormal", SeverityMajor},
	{"CT Wiring Abnormal", SeverityMajor},
	{"DC Arc Fault Self-Check", SeverityMajor},
	{"DC Switch Abnormal", SeverityMinor},
	{"Allowable Discharge Capacity Low", SeverityWarning},
}

// DecodeAlarms expands the three alarm bitfields into human-readable strings.
// Registers are processed in order 1, 2, 3; bits within a register in
// ascending order. Performs no I/O and is deterministic.
func DecodeAlarms(alarm1, alarm2, alarm3 uint16) []string {
	out := []string{}
	for _, reg := range []struct {
		word uint16
		defs *[16]alarmDef
	}{
		{alarm1, &alarm1Defs},
		{alarm2, &alarm2Defs},
		{alarm3, &alarm3Defs},
	} {
		for bit := 0; bit < 16; bit++ {
			if reg.word&(1<<bit) == 0 {
				continue
			}
			def := reg.defs[bit]
			out = append(out, fmt.Sprintf("%s (%s)", def.desc, def.sev))
		}
	}
	return out
}
