package utils

import (
	"strings"
	"testing"
)

func TestGenerateClientID(t *testing.T) {
	a := GenerateClientID()
	b := GenerateClientID()

	if !strings.HasPrefix(a, "client_") {
		t.Errorf("GenerateClientID() = %v, want prefix client_", a)
	}
	if a == b {
		t.Errorf("GenerateClientID() returned duplicate %v", a)
	}
}

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if !strings.HasPrefix(id, "req_") || len(id) != len("req_")+36 {
		t.Errorf("GenerateRequestID() = %v", id)
	}
}
