package model

import (
	"strconv"
	"strings"
	"time"
)

// ScanPolicy is the configured response to a positive virus verdict.
type ScanPolicy string

const (
	// PolicyQuarantine stores the message regardless and flags it.
	PolicyQuarantine ScanPolicy = "quarantine"
	// PolicyReject skips storage of infected messages entirely.
	PolicyReject ScanPolicy = "reject"
	// PolicyLogOnly stores everything and only records the verdict.
	PolicyLogOnly ScanPolicy = "log_only"
)

// Settings is a snapshot of the mutable operational settings stored in
// the database. The scheduler reads one snapshot per cycle so a single
// cycle never sees torn configuration.
type Settings struct {
	ScanEnabled bool
	ScanHost    string
	ScanPort    int
	ScanPolicy  ScanPolicy

	RetentionEnabled          bool
	RetentionValue            int
	RetentionUnit             string // days, months, years
	RetentionDeleteFromServer bool
}

// SettingsFromMap builds a Settings snapshot from the raw key/value rows
// of the settings table, applying defaults for missing keys.
func SettingsFromMap(m map[string]string) Settings {
	s := Settings{
		ScanEnabled:               settingBool(m, "clamav_enabled", true),
		ScanHost:                  settingString(m, "clamav_host", "clamav"),
		ScanPort:                  settingInt(m, "clamav_port", 3310),
		ScanPolicy:                ScanPolicy(settingString(m, "clamav_action", string(PolicyQuarantine))),
		RetentionEnabled:          settingBool(m, "retention_enabled", false),
		RetentionValue:            settingInt(m, "retention_value", 1),
		RetentionUnit:             settingString(m, "retention_unit", "years"),
		RetentionDeleteFromServer: settingBool(m, "retention_delete_from_server", false),
	}
	switch s.ScanPolicy {
	case PolicyQuarantine, PolicyReject, PolicyLogOnly:
	default:
		s.ScanPolicy = PolicyQuarantine
	}
	return s
}

// RetentionCutoff returns the timestamp before which messages are
// eligible for retention deletion. The second return value is false when
// retention is disabled or the unit is unknown. Months and years are the
// usual 30/365-day approximations.
func (s Settings) RetentionCutoff(now time.Time) (time.Time, bool) {
	if !s.RetentionEnabled || s.RetentionValue <= 0 {
		return time.Time{}, false
	}
	switch s.RetentionUnit {
	case "days":
		return now.AddDate(0, 0, -s.RetentionValue), true
	case "months":
		return now.AddDate(0, 0, -s.RetentionValue*30), true
	case "years":
		return now.AddDate(0, 0, -s.RetentionValue*365), true
	}
	return time.Time{}, false
}

func settingString(m map[string]string, key, def string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return def
}

func settingBool(m map[string]string, key string, def bool) bool {
	v, ok := m[key]
	if !ok || v == "" {
		return def
	}
	return strings.EqualFold(v, "true")
}

func settingInt(m map[string]string, key string, def int) int {
	v, ok := m[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
