package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedReport is returned when a fetched report lacks a field the
// reconciliation loop needs to act on it.
var ErrMalformedReport = errors.New("malformed report")

// Report is an abuse report fetched from the instance.
// Only Resolved is owned upstream and may change between polls.
type Report struct {
	// ID is the instance-assigned report id. IDs are time-ordered, see CompareIDs.
	ID string `json:"id"`
	// TargetUserID is the platform account the report is about.
	TargetUserID string `json:"targetUserId"`
	// TargetUsername is informational and only used for rendering.
	TargetUsername string `json:"targetUsername,omitempty"`
	// ReporterUserID is nil when the report was forwarded from another instance.
	ReporterUserID *string `json:"reporterId"`
	// Comment is the free-form text written by the reporter.
	Comment string `json:"comment"`
	// Category is the reason category selected by the reporter, if any.
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Resolved  bool      `json:"resolved"`
	Forwarded bool      `json:"forwarded"`
}

// Validate reports the required fields that are missing.
func (r Report) Validate() error {
	var missing []string
	if r.ID == "" {
		missing = append(missing, "id")
	}
	if r.TargetUserID == "" {
		missing = append(missing, "targetUserId")
	}
	if r.CreatedAt.IsZero() {
		missing = append(missing, "createdAt")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedReport, strings.Join(missing, ", "))
	}
	return nil
}

// CompareIDs orders two instance ids. The instance generates fixed-width,
// time-prefixed ids, so a shorter id is always older and ids of equal
// width compare lexically. The empty id sorts before everything.
func CompareIDs(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
