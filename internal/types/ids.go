// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type CaseID string
type EventID string
type AuditID string
type CorrelationID string

func NewCaseID() CaseID {
	return CaseID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewAuditID() AuditID {
	return AuditID(uuid.New().String())
}

func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New().String())
}

// NewSubscriptionID returns prefix followed by a dash-free uuid, suitable for
// broker resource names that restrict punctuation.
func NewSubscriptionID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}
