package device

import "strings"

// Kind is the closed set of device families the gateway can talk to.
type Kind int

const (
	// KindUnknown is resolved to KindSerialScale when a connection is made.
	KindUnknown Kind = iota
	KindSerialScale
	KindHL7Analyzer
)

func (k Kind) String() string {
	switch k {
	case KindSerialScale:
		return "serial_scale"
	case KindHL7Analyzer:
		return "hl7_analyzer"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts any name ParseKind knows.
func (k *Kind) UnmarshalText(text []byte) error {
	*k = ParseKind(string(text))
	return nil
}

// Resolve returns the kind used to pick a protocol.
func (k Kind) Resolve() Kind {
	if k == KindUnknown {
		return KindSerialScale
	}
	return k
}

// ParseKind maps a configured or detected device name to a Kind. Names it
// does not know yield KindUnknown.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "serial_scale", "serial", "tanita", "mc780", "mc-780":
		return KindSerialScale
	case "hl7_analyzer", "hl7", "mllp", "inbody":
		return KindHL7Analyzer
	default:
		return KindUnknown
	}
}
