package gcloud

import (
	"encoding/json"
	"strings"
)

// Status is the lifecycle status of a compute instance.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusStaging    Status = "STAGING"
	StatusRunning    Status = "RUNNING"
	StatusStopping   Status = "STOPPING"
	StatusTerminated Status = "TERMINATED"
	StatusUnknown    Status = "UNKNOWN"
)

// Transitional reports whether the instance is still on its way to running.
func (s Status) Transitional() bool {
	return s == StatusPending || s == StatusStaging
}

// ParseStatus normalises a status string reported by the compute API.
// PROVISIONING is the API's name for the pending phase.
func ParseStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING", "PROVISIONING":
		return StatusPending
	case "STAGING":
		return StatusStaging
	case "RUNNING":
		return StatusRunning
	case "STOPPING", "SUSPENDING":
		return StatusStopping
	case "TERMINATED", "STOPPED", "SUSPENDED":
		return StatusTerminated
	default:
		return StatusUnknown
	}
}

// parseDescribe extracts the status field from `instances describe --format json`.
func parseDescribe(out string) (Status, error) {
	var desc struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &desc); err != nil {
		return StatusUnknown, &ParseError{What: "instance description", Output: out, Err: err}
	}
	if desc.Status == nil || *desc.Status == "" {
		return StatusUnknown, &ParseError{What: "instance status field", Output: out}
	}
	return ParseStatus(*desc.Status), nil
}

// splitListing drops the header line of a tabular listing and any trailing
// blank lines.
func splitListing(out string) []string {
	lines := strings.Split(out, "\n")
	if len(lines) <= 1 {
		return nil
	}
	lines = lines[1:]
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
