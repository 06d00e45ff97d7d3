package model

import (
	"testing"
	"time"
)

func TestSettingsFromMap_Defaults(t *testing.T) {
	s := SettingsFromMap(nil)

	if !s.ScanEnabled {
		t.Error("ScanEnabled default = false, want true")
	}
	if s.ScanHost != "clamav" || s.ScanPort != 3310 {
		t.Errorf("scan endpoint default = %s:%d, want clamav:3310", s.ScanHost, s.ScanPort)
	}
	if s.ScanPolicy != PolicyQuarantine {
		t.Errorf("ScanPolicy default = %q, want quarantine", s.ScanPolicy)
	}
	if s.RetentionEnabled {
		t.Error("RetentionEnabled default = true, want false")
	}
	if s.RetentionValue != 1 || s.RetentionUnit != "years" {
		t.Errorf("retention default = %d %s, want 1 years", s.RetentionValue, s.RetentionUnit)
	}
}

func TestSettingsFromMap_Parsing(t *testing.T) {
	s := SettingsFromMap(map[string]string{
		"clamav_enabled":               "false",
		"clamav_host":                  "scanner.internal",
		"clamav_port":                  "9999",
		"clamav_action":                "reject",
		"retention_enabled":            "TRUE",
		"retention_value":              "90",
		"retention_unit":               "days",
		"retention_delete_from_server": "true",
	})

	if s.ScanEnabled {
		t.Error("ScanEnabled = true, want false")
	}
	if s.ScanHost != "scanner.internal" || s.ScanPort != 9999 {
		t.Errorf("scan endpoint = %s:%d", s.ScanHost, s.ScanPort)
	}
	if s.ScanPolicy != PolicyReject {
		t.Errorf("ScanPolicy = %q, want reject", s.ScanPolicy)
	}
	if !s.RetentionEnabled || s.RetentionValue != 90 || s.RetentionUnit != "days" {
		t.Errorf("retention = enabled=%t %d %s", s.RetentionEnabled, s.RetentionValue, s.RetentionUnit)
	}
	if !s.RetentionDeleteFromServer {
		t.Error("RetentionDeleteFromServer = false, want true")
	}
}

func TestSettingsFromMap_BadValues(t *testing.T) {
	s := SettingsFromMap(map[string]string{
		"clamav_port":   "not a number",
		"clamav_action": "explode",
	})
	if s.ScanPort != 3310 {
		t.Errorf("ScanPort = %d, want default 3310", s.ScanPort)
	}
	if s.ScanPolicy != PolicyQuarantine {
		t.Errorf("unknown policy mapped to %q, want quarantine", s.ScanPolicy)
	}
}

func TestRetentionCutoff(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		s       Settings
		want    time.Time
		enabled bool
	}{
		{
			name:    "disabled",
			s:       Settings{RetentionEnabled: false, RetentionValue: 30, RetentionUnit: "days"},
			enabled: false,
		},
		{
			name:    "zero value",
			s:       Settings{RetentionEnabled: true, RetentionValue: 0, RetentionUnit: "days"},
			enabled: false,
		},
		{
			name:    "unknown unit",
			s:       Settings{RetentionEnabled: true, RetentionValue: 1, RetentionUnit: "fortnights"},
			enabled: false,
		},
		{
			name:    "days",
			s:       Settings{RetentionEnabled: true, RetentionValue: 30, RetentionUnit: "days"},
			want:    now.AddDate(0, 0, -30),
			enabled: true,
		},
		{
			name:    "months approximate",
			s:       Settings{RetentionEnabled: true, RetentionValue: 2, RetentionUnit: "months"},
			want:    now.AddDate(0, 0, -60),
			enabled: true,
		},
		{
			name:    "years approximate",
			s:       Settings{RetentionEnabled: true, RetentionValue: 1, RetentionUnit: "years"},
			want:    now.AddDate(0, 0, -365),
			enabled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.s.RetentionCutoff(now)
			if ok != tt.enabled {
				t.Fatalf("RetentionCutoff() ok = %t, want %t", ok, tt.enabled)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("RetentionCutoff() = %s, want %s", got, tt.want)
			}
		})
	}
}
