package obd

import (
	"errors"
	"strings"
	"testing"
)

func TestDefaultCatalogPositions(t *testing.T) {
	catalog := DefaultCatalog()

	if catalog.Len() != 33 {
		t.Fatalf("Expected 33 sensors, got %d", catalog.Len())
	}

	for i, s := range catalog.All() {
		if s.Position != i+1 {
			t.Errorf("Sensor %s: expected position %d, got %d", s.ShortName, i+1, s.Position)
		}
		if !strings.HasPrefix(s.Command, "01") {
			t.Errorf("Sensor %s: expected mode 01 command, got %s", s.ShortName, s.Command)
		}
	}
}

func TestCatalogLookups(t *testing.T) {
	catalog := DefaultCatalog()

	rpm, ok := catalog.ByShortName("rpm")
	if !ok {
		t.Fatal("Expected rpm sensor")
	}
	if rpm.Position != 13 || rpm.Command != "010C1" || rpm.PID() != "0C" {
		t.Errorf("Unexpected rpm sensor: %+v", rpm)
	}

	byPos, ok := catalog.ByPosition(13)
	if !ok || byPos.ShortName != "rpm" {
		t.Errorf("Expected rpm at position 13, got %+v", byPos)
	}

	if _, ok := catalog.ByPosition(0); ok {
		t.Error("Expected no sensor at position 0")
	}
	if _, ok := catalog.ByPosition(34); ok {
		t.Error("Expected no sensor at position 34")
	}
	if _, ok := catalog.ByShortName("boost"); ok {
		t.Error("Expected no sensor named boost")
	}

	if catalog.SupportSensor().ShortName != "pids" {
		t.Errorf("Expected pids as support sensor, got %s", catalog.SupportSensor().ShortName)
	}
}

func TestCatalogAllReturnsCopy(t *testing.T) {
	catalog := DefaultCatalog()
	all := catalog.All()
	all[0].ShortName = "changed"

	if s, _ := catalog.ByPosition(1); s.ShortName != "pids" {
		t.Errorf("Catalog was mutated through All(): %s", s.ShortName)
	}
}

func TestNewCatalogValidation(t *testing.T) {
	tests := []struct {
		name    string
		sensors []Sensor
	}{
		{"empty", nil},
		{"position gap", []Sensor{{1, "a", "A", "0100", KindSupportMask, ""}, {3, "b", "B", "0101", KindPassthrough, ""}}},
		{"duplicate name", []Sensor{{1, "a", "A", "0100", KindSupportMask, ""}, {2, "a", "B", "0101", KindPassthrough, ""}}},
		{"short command", []Sensor{{1, "a", "A", "01", KindSupportMask, ""}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCatalog(tt.sensors); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestSensorDecode(t *testing.T) {
	catalog := DefaultCatalog()
	speed, _ := catalog.ByShortName("speed")

	v, err := speed.Decode("00")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if v.(float64) != 0 {
		t.Errorf("Expected 0, got %v", v)
	}

	_, err = speed.Decode("XY")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("Expected ErrMalformedResponse, got %v", err)
	}
	if !strings.Contains(err.Error(), "speed") {
		t.Errorf("Expected sensor name in error, got %v", err)
	}
}
