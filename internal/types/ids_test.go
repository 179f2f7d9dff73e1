// internal/types/ids_test.go
package types

import (
	"strings"
	"testing"
)

func TestNewCaseID(t *testing.T) {
	id := NewCaseID()
	if id == "" {
		t.Error("expected non-empty CaseID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestNewCorrelationIDUnique(t *testing.T) {
	a, b := NewCorrelationID(), NewCorrelationID()
	if a == b {
		t.Errorf("expected distinct correlation ids, got %s twice", a)
	}
}

func TestNewSubscriptionID(t *testing.T) {
	id := NewSubscriptionID("relay-")
	if !strings.HasPrefix(id, "relay-") {
		t.Errorf("expected prefix, got %s", id)
	}
	if strings.Count(id, "-") != 1 {
		t.Errorf("expected only the prefix dash, got %s", id)
	}
	if len(id) != len("relay-")+32 {
		t.Errorf("expected 32 hex chars after prefix, got %s", id)
	}
}
