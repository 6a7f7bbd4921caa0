// Package measurement holds the protocol-agnostic body composition record
// produced by every device protocol, together with its validation and
// quality scoring.
package measurement

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery status a protocol assigns to a record.
type Status string

const (
	StatusComplete   Status = "complete"
	StatusIncomplete Status = "incomplete"
	StatusError      Status = "error"
)

// QualityTier is the coarse data quality classification of a record.
type QualityTier string

const (
	QualityExcellent QualityTier = "excellent"
	QualityGood      QualityTier = "good"
	QualityFair      QualityTier = "fair"
	QualityPoor      QualityTier = "poor"
)

// Segment names one limb or the trunk in a segmental analysis.
type Segment int

const (
	RightArm Segment = iota
	LeftArm
	RightLeg
	LeftLeg
	Trunk
	segmentCount
)

var segmentNames = [...]string{"right_arm", "left_arm", "right_leg", "left_leg", "trunk"}

func (s Segment) String() string {
	if s < 0 || s >= segmentCount {
		return "unknown"
	}
	return segmentNames[s]
}

// Segments lists every segment in report order.
func Segments() []Segment {
	return []Segment{RightArm, LeftArm, RightLeg, LeftLeg, Trunk}
}

// SegmentReading is the lean mass and fat percentage of one segment.
type SegmentReading struct {
	LeanMassKg float64 `json:"lean_mass_kg,omitempty"`
	FatPercent float64 `json:"fat_percent,omitempty"`
}

func (r SegmentReading) empty() bool {
	return r.LeanMassKg == 0 && r.FatPercent == 0
}

// Record is one normalized body composition reading. Zero numeric values
// mean the device did not report the field.
//
// A Record is filled by a protocol parser, finalized once with Finalize and
// must not be modified afterwards.
type Record struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	DeviceType string    `json:"device_type"`
	Timestamp  time.Time `json:"timestamp"`
	MessageID  string    `json:"message_id,omitempty"`

	CustomerPhone      string `json:"customer_phone,omitempty"`
	ExternalCustomerID string `json:"external_customer_id,omitempty"`
	Gender             string `json:"gender,omitempty"`
	Age                int    `json:"age,omitempty"`

	WeightKg float64 `json:"weight_kg,omitempty"`
	HeightCm float64 `json:"height_cm,omitempty"`
	BMI      float64 `json:"bmi,omitempty"`

	BodyFatPercent        float64 `json:"body_fat_percent,omitempty"`
	FatMassKg             float64 `json:"fat_mass_kg,omitempty"`
	FatFreeMassKg         float64 `json:"fat_free_mass_kg,omitempty"`
	MuscleMassKg          float64 `json:"muscle_mass_kg,omitempty"`
	BoneMassKg            float64 `json:"bone_mass_kg,omitempty"`
	TotalBodyWaterKg      float64 `json:"total_body_water_kg,omitempty"`
	TotalBodyWaterPercent float64 `json:"total_body_water_percent,omitempty"`
	VisceralFatRating     float64 `json:"visceral_fat_rating,omitempty"`
	MetabolicAge          int     `json:"metabolic_age,omitempty"`
	BMRKcal               float64 `json:"bmr_kcal,omitempty"`

	Segmental [segmentCount]SegmentReading `json:"segmental"`

	// Impedance maps measurement frequency in kHz to ohms.
	Impedance  map[int]float64 `json:"impedance,omitempty"`
	PhaseAngle float64         `json:"phase_angle,omitempty"`

	Status       Status      `json:"status"`
	Quality      QualityTier `json:"quality"`
	Completeness float64     `json:"completeness"`
	Issues       []Issue     `json:"issues,omitempty"`
	Notes        []string    `json:"notes,omitempty"`

	Raw string `json:"raw,omitempty"`

	finalized bool
}

// New creates an empty record for a device, stamped now.
func New(deviceID, deviceType string) *Record {
	return &Record{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Timestamp:  time.Now(),
		Status:     StatusIncomplete,
		Quality:    QualityPoor,
	}
}

// SetSegmentLean stores lean mass for a segment, keeping any fat percentage.
func (r *Record) SetSegmentLean(s Segment, kg float64) {
	if s < 0 || s >= segmentCount {
		return
	}
	r.Segmental[s].LeanMassKg = kg
}

// SetSegmentFat stores fat percentage for a segment, keeping any lean mass.
func (r *Record) SetSegmentFat(s Segment, percent float64) {
	if s < 0 || s >= segmentCount {
		return
	}
	r.Segmental[s].FatPercent = percent
}

// SetImpedance records the impedance measured at freqKHz.
func (r *Record) SetImpedance(freqKHz int, ohms float64) {
	if r.Impedance == nil {
		r.Impedance = make(map[int]float64)
	}
	r.Impedance[freqKHz] = ohms
}

// HasSegmental reports whether any segment carries a value.
func (r *Record) HasSegmental() bool {
	for _, s := range r.Segmental {
		if !s.empty() {
			return true
		}
	}
	return false
}

// AddNote appends a processing note.
func (r *Record) AddNote(note string) {
	if note == "" {
		return
	}
	r.Notes = append(r.Notes, note)
}

// Finalized reports whether Finalize has run.
func (r *Record) Finalized() bool {
	return r.finalized
}

// UnmarshalJSON decodes a record written by a previous delivery. A record
// carrying a status was finalized before it was encoded and stays so.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*r = Record(decoded)
	r.finalized = r.Status != ""
	return nil
}

// Summary returns the fields worth logging for a delivered record.
func (r *Record) Summary() map[string]any {
	return map[string]any{
		"id":             r.ID,
		"device_id":      r.DeviceID,
		"customer_phone": r.CustomerPhone,
		"weight_kg":      r.WeightKg,
		"status":         string(r.Status),
		"quality":        string(r.Quality),
		"completeness":   r.Completeness,
		"issues":         len(r.Issues),
	}
}
