package workflow

import (
	"time"

	"github.com/pitabwire/docket/model"
)

// DueDateAnchors holds the optional dates a relative due date can count from.
type DueDateAnchors struct {
	MatterCreatedAt *time.Time
	MatterOpenedAt  *time.Time
	StageStartedAt  *time.Time
}

// CalculateDueDate adds relativeDays calendar days to the anchor date. A
// missing anchor falls back along matter_opened -> matter_created ->
// referenceDate; stage_started and unknown anchors fall back to
// referenceDate. The anchor's time of day is preserved.
func CalculateDueDate(relativeDays int, anchor model.DueDateAnchor, referenceDate time.Time, anchors DueDateAnchors) time.Time {
	base := referenceDate

	switch anchor {
	case model.AnchorMatterCreated:
		if anchors.MatterCreatedAt != nil {
			base = *anchors.MatterCreatedAt
		}
	case model.AnchorMatterOpened:
		if anchors.MatterOpenedAt != nil {
			base = *anchors.MatterOpenedAt
		} else if anchors.MatterCreatedAt != nil {
			base = *anchors.MatterCreatedAt
		}
	case model.AnchorStageStarted:
		if anchors.StageStartedAt != nil {
			base = *anchors.StageStartedAt
		}
	}

	return base.AddDate(0, 0, relativeDays)
}

// CalculateBusinessDays advances start by n weekdays, skipping Saturdays and
// Sundays. n <= 0 returns start unchanged.
func CalculateBusinessDays(start time.Time, n int) time.Time {
	d := start
	for added := 0; added < n; {
		d = d.AddDate(0, 0, 1)
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			added++
		}
	}
	return d
}
