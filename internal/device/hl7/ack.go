package hl7

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Acknowledgement codes.
const (
	AckAccept = "AA"
	AckReject = "AR"

	ackApplication = "ACTIWELL"
	ackFacility    = "GATEWAY"
	ackVersion     = "2.5"
	ackTimeLayout  = "20060102150405"
	maxControlID   = 20
)

// NewControlID returns a fresh MSH-10 value.
func NewControlID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:maxControlID]
}

// BuildACK returns the MLLP framed acknowledgement of msg. A nil msg is
// rejected with AR, since there is no header to refer to.
func BuildACK(msg *Message, controlID string, now time.Time) []byte {
	var sendApp, sendFac, original string
	code, text := AckReject, "Missing MSH segment"
	if msg != nil {
		sendApp, sendFac, original = msg.SendingApp, msg.SendingFacility, msg.ControlID
		code, text = AckAccept, "Message accepted"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MSH|^~\\&|%s|%s|%s|%s|%s||ACK|%s|P|%s\r",
		ackApplication, ackFacility, sendApp, sendFac, now.Format(ackTimeLayout), controlID, ackVersion)
	fmt.Fprintf(&b, "MSA|%s|%s|%s\r", code, original, text)

	return Wrap([]byte(b.String()))
}
