package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseGate(t *testing.T) {
	tests := []struct {
		in      string
		want    Gate
		wantErr bool
	}{
		{"GATE_0", Gate0, false},
		{"gate_3", Gate3, false},
		{" ipa_guidance ", GateIPA, false},
		{"CUSTOM", GateCustom, false},
		{"", GateUnknown, false},
		{"GATE_9", GateUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseGate(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseGate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnknownGate) {
				t.Errorf("expected ErrUnknownGate, got %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseGate(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFile_DisplayName(t *testing.T) {
	f := &File{Name: "raw_upload.pdf"}
	if got := f.DisplayName(); got != "raw_upload.pdf" {
		t.Errorf("DisplayName() = %q", got)
	}
	f.CleanName = "Outline Business Case"
	if got := f.DisplayName(); got != "Outline Business Case" {
		t.Errorf("DisplayName() = %q", got)
	}
}

func TestPrepareNew(t *testing.T) {
	var id uuid.UUID
	var at time.Time
	PrepareNew(&id, &at)
	if id == uuid.Nil || at.IsZero() {
		t.Fatalf("expected id and time to be set, got %v %v", id, at)
	}

	fixed := uuid.New()
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	PrepareNew(&fixed, &when)
	if when.Year() != 2024 {
		t.Errorf("existing time overwritten: %v", when)
	}
}
