package models

import "strings"

// Severity is the qualitative CVSS rating.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityNone     Severity = "none"
)

// SeverityForScore derives a rating from a CVSS base score.
func SeverityForScore(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// ParseSeverity accepts the labels used by the feeds, case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical, true
	case "high", "important":
		return SeverityHigh, true
	case "medium", "moderate":
		return SeverityMedium, true
	case "low":
		return SeverityLow, true
	case "none":
		return SeverityNone, true
	}
	return "", false
}

// TriggerType tells how a run was started.
type TriggerType string

const (
	TriggerManual TriggerType = "manual"
	TriggerAuto   TriggerType = "auto"
)

// Valid reports whether t is a known trigger.
func (t TriggerType) Valid() bool {
	return t == TriggerManual || t == TriggerAuto
}

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	StatusProcessing RunStatus = "processing"
	StatusSuccess    RunStatus = "success"
	StatusFailure    RunStatus = "failure"
)

// Terminal reports whether the run can no longer change.
func (s RunStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// SourceName identifies a feed.
type SourceName = string

const (
	SourceKEV    SourceName = "kev"
	SourceNVD    SourceName = "nvd"
	SourceExport SourceName = "export"
)
