package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectPresence      = "voyage.presence"
	SubjectEventsPrefix  = "negotiation"
	EventUnhandled       = "unhandled"
	EventCommitFailed    = "commitFailed"
	subjectInboundPrefix = "voyage.shore"
)

// Token makes an identifier safe to use as a single subject token.
func Token(id string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(id)
}

// BuildInboundSubject builds the subject on which a shore receives
// negotiation messages of one family.
func BuildInboundSubject(shoreID, family string) string {
	return fmt.Sprintf("%s.%s.%s.inbound", subjectInboundPrefix, Token(shoreID), Token(family))
}

// BuildControlSubject builds the operator control subject for one family.
func BuildControlSubject(shoreID, family string) string {
	return fmt.Sprintf("%s.%s.%s.control", subjectInboundPrefix, Token(shoreID), Token(family))
}

// BuildEventSubject builds the subject observers listen on, e.g.
// negotiation.strategic.unhandled.
func BuildEventSubject(family, event string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectEventsPrefix, Token(family), event)
}
