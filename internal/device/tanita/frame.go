package tanita

import (
	"strconv"
	"strings"
	"time"

	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

const (
	// FrameHeader starts every MC-780 result frame.
	FrameHeader = `{0,16,~0,1,~1,1,~2,1,MO,"MC-780"`

	MinFrameLength = 200
	MinFrameFields = 20

	idKey      = "ID"
	idWidth    = 10
	dateLayout = "02/01/2006 15:04"
)

// Frame rejection reasons reported to metrics.
const (
	ReasonNoHeader = "no_header"
	ReasonNoID     = "no_id"
	ReasonShort    = "short"
	ReasonFields   = "few_fields"
)

// CheckFrame returns an empty reason when line looks like a complete
// result frame, otherwise why it was rejected.
func CheckFrame(line string) string {
	switch {
	case !strings.Contains(line, FrameHeader):
		return ReasonNoHeader
	case !strings.Contains(line, idKey+","):
		return ReasonNoID
	case len(line) < MinFrameLength:
		return ReasonShort
	case strings.Count(line, ",") < MinFrameFields:
		return ReasonFields
	default:
		return ""
	}
}

// IsValidFrame reports whether line passes every frame check.
func IsValidFrame(line string) bool {
	return CheckFrame(line) == ""
}

type fieldSetter func(r *measurement.Record, v float64)

func seg(s measurement.Segment, lean bool) fieldSetter {
	if lean {
		return func(r *measurement.Record, v float64) { r.SetSegmentLean(s, v) }
	}
	return func(r *measurement.Record, v float64) { r.SetSegmentFat(s, v) }
}

// numericKeys maps MC-780 keys to record fields.
var numericKeys = map[string]fieldSetter{
	"Wk": func(r *measurement.Record, v float64) { r.WeightKg = v },
	"Hm": func(r *measurement.Record, v float64) { r.HeightCm = v },
	"MI": func(r *measurement.Record, v float64) { r.BMI = v },
	"AG": func(r *measurement.Record, v float64) { r.Age = int(v) },
	"FW": func(r *measurement.Record, v float64) { r.BodyFatPercent = v },
	"fW": func(r *measurement.Record, v float64) { r.FatMassKg = v },
	"MW": func(r *measurement.Record, v float64) { r.FatFreeMassKg = v },
	"mW": func(r *measurement.Record, v float64) { r.MuscleMassKg = v },
	"bW": func(r *measurement.Record, v float64) { r.BoneMassKg = v },
	"wW": func(r *measurement.Record, v float64) { r.TotalBodyWaterKg = v },
	"ww": func(r *measurement.Record, v float64) { r.TotalBodyWaterPercent = v },
	"IF": func(r *measurement.Record, v float64) { r.VisceralFatRating = v },
	"rA": func(r *measurement.Record, v float64) { r.MetabolicAge = int(v) },
	"rB": func(r *measurement.Record, v float64) { r.BMRKcal = v },
	"ZW": func(r *measurement.Record, v float64) { r.SetImpedance(50, v) },
	"PA": func(r *measurement.Record, v float64) { r.PhaseAngle = v },

	"mr": seg(measurement.RightArm, true),
	"ml": seg(measurement.LeftArm, true),
	"mR": seg(measurement.RightLeg, true),
	"mL": seg(measurement.LeftLeg, true),
	"mT": seg(measurement.Trunk, true),
	"Fr": seg(measurement.RightArm, false),
	"Fl": seg(measurement.LeftArm, false),
	"FR": seg(measurement.RightLeg, false),
	"FL": seg(measurement.LeftLeg, false),
	"FT": seg(measurement.Trunk, false),
}

// Keys carrying text rather than numbers.
const (
	keyModel    = "MO"
	keyGender   = "GE"
	keyBodyType = "Bt"
	keyDate     = "DT"
	keyTime     = "Ti"
)

// tokens splits a frame into its comma separated tokens, with surrounding
// quotes and whitespace removed.
func tokens(line string) []string {
	raw := strings.Split(strings.TrimRight(line, "\r\n"), ",")
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		out = append(out, strings.Trim(strings.TrimSpace(t), `"`))
	}
	return out
}

// pairs walks the alternating key/value tokens, skipping control tokens
// that start with '{' or '~' together with their value.
func pairs(line string) [][2]string {
	toks := tokens(line)
	out := make([][2]string, 0, len(toks)/2)
	for i := 0; i+1 < len(toks); i += 2 {
		key := toks[i]
		if key == "" || key[0] == '{' || key[0] == '~' {
			continue
		}
		out = append(out, [2]string{key, toks[i+1]})
	}
	return out
}

// ParseFrame decodes a frame that passed IsValidFrame. The record is
// returned unfinalized.
func ParseFrame(address, line string) (*measurement.Record, error) {
	errFactory := errors.New()

	if reason := CheckFrame(line); reason != "" {
		return nil, errFactory.WithData(ErrFrameRejected, reason)
	}

	rec := measurement.New(address, "serial_scale")
	rec.Raw = line

	var (
		haveID     bool
		date, tm   string
		unparsable []string
	)

	for _, kv := range pairs(line) {
		key, val := kv[0], kv[1]

		if set, ok := numericKeys[key]; ok {
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				unparsable = append(unparsable, key)
				continue
			}
			set(rec, v)
			continue
		}

		switch key {
		case idKey:
			haveID = true
			rec.CustomerPhone, _ = measurement.NormalizePhone(unpadID(val))
		case keyModel:
		case keyGender:
			rec.Gender = gender(val)
		case keyBodyType:
			if val == "2" {
				rec.AddNote("athletic body type")
			}
		case keyDate:
			date = val
		case keyTime:
			tm = val
		}
	}

	if !haveID {
		return nil, errFactory.WithData(ErrFrameUnmappable, "missing ID field")
	}

	if date != "" && tm != "" {
		if ts, err := time.ParseInLocation(dateLayout, date+" "+tm, time.Local); err == nil {
			rec.Timestamp = ts
		}
	}

	if len(unparsable) > 0 {
		rec.AddNote("unparsable fields: " + strings.Join(unparsable, ","))
	}

	return rec, nil
}

// unpadID strips the zero padding the scale appends to short subject ids
// in its fixed-width ID field.
func unpadID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= idWidth || id[0] != '0' {
		return id
	}
	if strings.Trim(id[idWidth:], "0") != "" {
		return id
	}
	return id[:idWidth]
}

func gender(v string) string {
	switch v {
	case "1":
		return "male"
	case "2":
		return "female"
	default:
		return ""
	}
}
