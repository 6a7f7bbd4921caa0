package hl7_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vungocdu/actiwell-iot-sub000/internal/device/hl7"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

const scenarioMessage = "MSH|^~\\&|ANALYZER|CLINIC|ACTIWELL|GATEWAY|20241015103000||ORU^R01|MSG00001|P|2.5\r" +
	"PID||0987654321|||Nguyen^An||19900115|F\r" +
	"OBR|1\r" +
	"OBX|1|NM|WT||68.2|kg\r"

const fullMessage = "MSH|^~\\&|INBODY|GYM|ACTIWELL|GATEWAY|20241015103000||ORU^R01|MSG00002|P|2.5\r" +
	"PID|1||0912345678^^^GYM^MR||Tran^Binh||19850320|M\r" +
	"OBR|1||BC|BODYCOMP\r" +
	"OBX|1|NM|WT^Weight||80.0|kg\r" +
	"OBX|2|NM|HT^Height||180|cm\r" +
	"OBX|3|NM|FAT^Body Fat||20.5|%\r" +
	"OBX|4|NM|MM||35.1|kg\r" +
	"OBX|5|NM|TBW||45.0|kg\r" +
	"OBX|6|NM|VFL||8|\r" +
	"OBX|7|NM|BMR||1800|kcal\r" +
	"OBX|8|NM|IMP50||510.2|ohm\r" +
	"OBX|9|NM|PA||6.1|deg\r" +
	"OBX|10|NM|LM_RA||3.4|kg\r" +
	"OBX|11|NM|FP_TR||18.0|%\r" +
	"OBX|12|NM|XYZ||1|\r" +
	"OBX|13|NM|BM||n/a|kg\r" +
	"NTE|1||Fasting measurement\r"

func TestParseScenario(t *testing.T) {
	msg, err := hl7.Parse("0.0.0.0:2575", []byte(scenarioMessage))
	require.NoError(t, err)

	assert.Equal(t, "MSG00001", msg.ControlID)
	assert.Equal(t, "ANALYZER", msg.SendingApp)
	assert.Equal(t, "CLINIC", msg.SendingFacility)
	assert.Equal(t, "ORU^R01", msg.MessageType)
	assert.True(t, msg.HasOrder)
	assert.Equal(t, []string{"PID", "OBR", "OBX"}, msg.Segments)

	rec := msg.Record
	assert.Equal(t, "0987654321", rec.CustomerPhone)
	assert.InDelta(t, 68.2, rec.WeightKg, 1e-9)
	assert.Equal(t, "female", rec.Gender)
	assert.Equal(t, 34, rec.Age)
	assert.Equal(t, "MSG00001", rec.MessageID)
	assert.Equal(t, "hl7_analyzer", rec.DeviceType)
	assert.True(t, rec.Timestamp.Equal(time.Date(2024, 10, 15, 10, 30, 0, 0, time.Local)))
	assert.Equal(t, measurement.StatusComplete, rec.Status)
	assert.True(t, rec.Finalized())
	assert.Equal(t, scenarioMessage, rec.Raw)
}

func TestParseFullMessage(t *testing.T) {
	msg, err := hl7.Parse("analyzer", []byte(fullMessage))
	require.NoError(t, err)
	rec := msg.Record

	assert.Equal(t, "0912345678", rec.CustomerPhone)
	assert.Equal(t, "male", rec.Gender)
	assert.InDelta(t, 80.0, rec.WeightKg, 1e-9)
	assert.InDelta(t, 180.0, rec.HeightCm, 1e-9)
	assert.InDelta(t, 24.7, rec.BMI, 1e-9)
	assert.InDelta(t, 20.5, rec.BodyFatPercent, 1e-9)
	assert.InDelta(t, 35.1, rec.MuscleMassKg, 1e-9)
	assert.InDelta(t, 45.0, rec.TotalBodyWaterKg, 1e-9)
	assert.InDelta(t, 8.0, rec.VisceralFatRating, 1e-9)
	assert.InDelta(t, 1800.0, rec.BMRKcal, 1e-9)
	assert.InDelta(t, 510.2, rec.Impedance[50], 1e-9)
	assert.InDelta(t, 6.1, rec.PhaseAngle, 1e-9)
	assert.InDelta(t, 3.4, rec.Segmental[measurement.RightArm].LeanMassKg, 1e-9)
	assert.InDelta(t, 18.0, rec.Segmental[measurement.Trunk].FatPercent, 1e-9)
	assert.Zero(t, rec.BoneMassKg)

	assert.Contains(t, rec.Notes, "Fasting measurement")
	assert.Contains(t, rec.Notes, "unparsable observations: BM")
	assert.Contains(t, rec.Notes, "unmapped observations: XYZ")
	assert.Equal(t, measurement.StatusComplete, rec.Status)
}

func TestParsePounds(t *testing.T) {
	data := strings.Replace(scenarioMessage, "68.2|kg", "150|lb", 1)

	msg, err := hl7.Parse("analyzer", []byte(data))
	require.NoError(t, err)
	assert.InDelta(t, 68.04, msg.Record.WeightKg, 0.01)
}

func TestParseRequiredFieldFailures(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		field   string
	}{
		{"missing subject", [2]string{"PID||0987654321|", "PID|||"}, "customer_phone"},
		{"zero weight", [2]string{"68.2|kg", "0|kg"}, "weight_kg"},
		{"bad subject format", [2]string{"0987654321", "12345"}, "customer_phone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := strings.Replace(scenarioMessage, tt.replace[0], tt.replace[1], 1)

			msg, err := hl7.Parse("analyzer", []byte(data))
			require.NoError(t, err)

			rec := msg.Record
			assert.Equal(t, measurement.StatusError, rec.Status)
			fields := make([]string, 0, len(rec.Errors()))
			for _, issue := range rec.Errors() {
				fields = append(fields, issue.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestParseMissingHeader(t *testing.T) {
	_, err := hl7.Parse("analyzer", []byte("PID||0987654321\rOBX|1|NM|WT||68.2|kg\r"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, hl7.ErrMissingHeader))
}

func TestParseSkipsLeadingBlankLines(t *testing.T) {
	for _, prefix := range []string{"\r\n", "\r", "\n\r\n"} {
		msg, err := hl7.Parse("analyzer", []byte(prefix+scenarioMessage))
		require.NoError(t, err, "prefix %q", prefix)
		assert.Equal(t, "MSG00001", msg.ControlID)
		assert.Equal(t, "0987654321", msg.Record.CustomerPhone)
		assert.Equal(t, 68.2, msg.Record.WeightKg)
	}

	_, err := hl7.Parse("analyzer", []byte("\r\r"))
	assert.True(t, errors.HasCode(err, hl7.ErrMissingHeader))
}

func TestParseWithoutTimestampUsesNow(t *testing.T) {
	data := strings.Replace(scenarioMessage, "20241015103000", "", 1)
	before := time.Now()

	msg, err := hl7.Parse("analyzer", []byte(data))
	require.NoError(t, err)
	assert.False(t, msg.Record.Timestamp.Before(before))
}

func TestObservationCodes(t *testing.T) {
	codes := hl7.ObservationCodes()
	assert.GreaterOrEqual(t, len(codes), 20)
	assert.Contains(t, codes, "WT")
	assert.Contains(t, codes, "LM_LL")
	assert.Contains(t, codes, "FP_RA")
}

func TestBuildACK(t *testing.T) {
	msg, err := hl7.Parse("analyzer", []byte(scenarioMessage))
	require.NoError(t, err)

	now := time.Date(2024, 10, 15, 10, 30, 5, 0, time.UTC)
	ack := hl7.BuildACK(msg, "ACK0001", now)

	want := "\x0bMSH|^~\\&|ACTIWELL|GATEWAY|ANALYZER|CLINIC|20241015103005||ACK|ACK0001|P|2.5\r" +
		"MSA|AA|MSG00001|Message accepted\r\x1c\r"
	assert.Equal(t, want, string(ack))
}

func TestBuildACKReject(t *testing.T) {
	ack := string(hl7.BuildACK(nil, "ACK0002", time.Now()))
	assert.Contains(t, ack, "MSA|AR||Missing MSH segment\r")
}

func TestNewControlID(t *testing.T) {
	a, b := hl7.NewControlID(), hl7.NewControlID()
	assert.Len(t, a, 20)
	assert.NotEqual(t, a, b)
}
