package hl7

import (
	"strconv"
	"strings"
	"time"

	"github.com/vungocdu/actiwell-iot-sub000/internal/device"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

const (
	segmentSeparator = "\r"

	defaultFieldSep     = "|"
	defaultComponentSep = "^"

	lbToKg = 0.45359237
	inToCm = 2.54
)

// Message is one parsed analyzer message.
type Message struct {
	ControlID       string
	MessageType     string
	Version         string
	SendingApp      string
	SendingFacility string
	Timestamp       time.Time

	// Segments lists the segment tags in order of appearance.
	Segments []string
	HasOrder bool

	Record *measurement.Record
}

type observationSetter func(r *measurement.Record, v float64, units string)

func kg(set func(r *measurement.Record, v float64)) observationSetter {
	return func(r *measurement.Record, v float64, units string) {
		if isPounds(units) {
			v *= lbToKg
		}
		set(r, v)
	}
}

func plain(set func(r *measurement.Record, v float64)) observationSetter {
	return func(r *measurement.Record, v float64, _ string) { set(r, v) }
}

// observationCodes maps OBX-3 identifiers to record fields.
var observationCodes = map[string]observationSetter{
	"WT": kg(func(r *measurement.Record, v float64) { r.WeightKg = v }),
	"HT": func(r *measurement.Record, v float64, units string) {
		if strings.EqualFold(units, "in") {
			v *= inToCm
		}
		r.HeightCm = v
	},
	"BMI":  plain(func(r *measurement.Record, v float64) { r.BMI = v }),
	"FAT":  plain(func(r *measurement.Record, v float64) { r.BodyFatPercent = v }),
	"FATM": kg(func(r *measurement.Record, v float64) { r.FatMassKg = v }),
	"FFM":  kg(func(r *measurement.Record, v float64) { r.FatFreeMassKg = v }),
	"MM":   kg(func(r *measurement.Record, v float64) { r.MuscleMassKg = v }),
	"BM":   kg(func(r *measurement.Record, v float64) { r.BoneMassKg = v }),
	"TBW":  kg(func(r *measurement.Record, v float64) { r.TotalBodyWaterKg = v }),
	"TBWP": plain(func(r *measurement.Record, v float64) { r.TotalBodyWaterPercent = v }),
	"VFL":  plain(func(r *measurement.Record, v float64) { r.VisceralFatRating = v }),
	"MA":   plain(func(r *measurement.Record, v float64) { r.MetabolicAge = int(v) }),
	"BMR":  plain(func(r *measurement.Record, v float64) { r.BMRKcal = v }),
	"PA":   plain(func(r *measurement.Record, v float64) { r.PhaseAngle = v }),

	"IMP5":   plain(func(r *measurement.Record, v float64) { r.SetImpedance(5, v) }),
	"IMP50":  plain(func(r *measurement.Record, v float64) { r.SetImpedance(50, v) }),
	"IMP250": plain(func(r *measurement.Record, v float64) { r.SetImpedance(250, v) }),
}

var segmentCodes = map[measurement.Segment]string{
	measurement.RightArm: "RA",
	measurement.LeftArm:  "LA",
	measurement.RightLeg: "RL",
	measurement.LeftLeg:  "LL",
	measurement.Trunk:    "TR",
}

func init() {
	for s, code := range segmentCodes {
		s := s
		observationCodes["LM_"+code] = kg(func(r *measurement.Record, v float64) { r.SetSegmentLean(s, v) })
		observationCodes["FP_"+code] = plain(func(r *measurement.Record, v float64) { r.SetSegmentFat(s, v) })
	}
}

// ObservationCodes returns every OBX identifier the parser maps.
func ObservationCodes() []string {
	codes := make([]string, 0, len(observationCodes))
	for c := range observationCodes {
		codes = append(codes, c)
	}
	return codes
}

func isPounds(units string) bool {
	switch strings.ToLower(units) {
	case "lb", "lbs", "[lb_av]":
		return true
	}
	return false
}

type parser struct {
	fieldSep     string
	componentSep string
}

// Parse decodes a message received on address. The message must start
// with an MSH segment; everything after it is best effort and the record
// is always returned finalized.
func Parse(address string, data []byte) (*Message, error) {
	content := strings.ReplaceAll(string(data), "\r\n", segmentSeparator)
	content = strings.ReplaceAll(content, "\n", segmentSeparator)
	segments := strings.Split(content, segmentSeparator)
	for len(segments) > 1 && strings.TrimSpace(segments[0]) == "" {
		segments = segments[1:]
	}

	msh := strings.TrimSpace(segments[0])
	if !strings.HasPrefix(msh, "MSH") || len(msh) < 4 {
		return nil, errors.New().New(ErrMissingHeader)
	}

	p := parser{fieldSep: string(msh[3]), componentSep: defaultComponentSep}
	if p.fieldSep == "" {
		p.fieldSep = defaultFieldSep
	}
	if len(msh) > 4 && string(msh[4]) != p.fieldSep {
		p.componentSep = string(msh[4])
	}

	rec := measurement.New(address, device.KindHL7Analyzer.String())
	rec.Raw = string(data)

	msg := &Message{Record: rec}
	p.header(msg, msh)

	var (
		birth      time.Time
		unparsable []string
		unmapped   []string
	)

	for _, raw := range segments[1:] {
		seg := strings.TrimSpace(raw)
		if len(seg) < 3 {
			continue
		}
		tag := seg[:3]
		fields := strings.Split(seg, p.fieldSep)
		msg.Segments = append(msg.Segments, tag)

		switch tag {
		case "PID":
			id := p.component(field(fields, 3), 0)
			if id == "" {
				id = p.component(field(fields, 2), 0)
			}
			if id != "" {
				rec.CustomerPhone, _ = measurement.NormalizePhone(id)
			}
			birth = parseTimestamp(field(fields, 7))
			rec.Gender = gender(field(fields, 8))
		case "OBR":
			msg.HasOrder = true
		case "OBX":
			code := p.component(field(fields, 3), 0)
			set, ok := observationCodes[strings.ToUpper(code)]
			if !ok {
				if code != "" {
					unmapped = append(unmapped, code)
				}
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(field(fields, 5)), 64)
			if err != nil {
				unparsable = append(unparsable, code)
				continue
			}
			set(rec, v, p.component(field(fields, 6), 0))
		case "NTE":
			if note := noteText(fields); note != "" {
				rec.AddNote(note)
			}
		}
	}

	if !birth.IsZero() {
		rec.Age = yearsBetween(birth, rec.Timestamp)
	}
	if len(unparsable) > 0 {
		rec.AddNote("unparsable observations: " + strings.Join(unparsable, ","))
	}
	if len(unmapped) > 0 {
		rec.AddNote("unmapped observations: " + strings.Join(unmapped, ","))
	}

	rec.Finalize(measurement.PolicyRequired)

	return msg, nil
}

// header reads MSH fields. MSH-1 is the separator itself, so MSH-n sits
// at index n-1 after splitting.
func (p parser) header(msg *Message, msh string) {
	fields := strings.Split(msh, p.fieldSep)

	msg.SendingApp = field(fields, 2)
	msg.SendingFacility = field(fields, 3)
	msg.MessageType = field(fields, 8)
	msg.ControlID = field(fields, 9)
	msg.Version = field(fields, 11)

	if ts := parseTimestamp(field(fields, 6)); !ts.IsZero() {
		msg.Timestamp = ts
		msg.Record.Timestamp = ts
	} else {
		msg.Timestamp = msg.Record.Timestamp
	}
	msg.Record.MessageID = msg.ControlID
}

func (p parser) component(value string, i int) string {
	parts := strings.Split(value, p.componentSep)
	if i >= len(parts) {
		return ""
	}
	return strings.TrimSpace(parts[i])
}

func field(fields []string, i int) string {
	if i >= len(fields) {
		return ""
	}
	return fields[i]
}

// noteText returns NTE-3, or the last non-empty field when NTE-3 is empty.
func noteText(fields []string) string {
	if text := strings.TrimSpace(field(fields, 3)); text != "" {
		return text
	}
	for i := len(fields) - 1; i > 0; i-- {
		if text := strings.TrimSpace(fields[i]); text != "" {
			return text
		}
	}
	return ""
}

var timestampLayouts = map[int]string{
	14: "20060102150405",
	12: "200601021504",
	10: "2006010215",
	8:  "20060102",
}

// parseTimestamp reads an HL7 DTM value, ignoring fractional seconds and
// any zone offset. It returns the zero time when the value is unusable.
func parseTimestamp(v string) time.Time {
	v = strings.TrimSpace(v)
	if i := strings.IndexAny(v, ".+-"); i >= 0 {
		v = v[:i]
	}
	layout, ok := timestampLayouts[len(v)]
	if !ok {
		return time.Time{}
	}
	ts, err := time.ParseInLocation(layout, v, time.Local)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func yearsBetween(birth, at time.Time) int {
	years := at.Year() - birth.Year()
	if at.Month() < birth.Month() || (at.Month() == birth.Month() && at.Day() < birth.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

func gender(v string) string {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "M":
		return "male"
	case "F":
		return "female"
	default:
		return ""
	}
}
