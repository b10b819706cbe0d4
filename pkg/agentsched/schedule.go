// Package agentsched turns registered agent definitions into goals on a
// schedule. A claim-based dispatcher makes every firing at-most-once
// across processes, and deterministic run keys make dispatch idempotent
// within a firing.
package agentsched

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/helmsman-ai/helmsman/pkg/models"
)

// cronParser accepts standard 5-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// RunKey derives the deterministic key of one firing. The same agent,
// definition, and fire time always map to the same key, which is what
// lets a crashed dispatcher repeat its work without double-submitting.
func RunKey(agentID, definitionHash string, scheduledFor time.Time) string {
	payload := fmt.Sprintf("%s\x00%s\x00%d", agentID, definitionHash, scheduledFor.UTC().UnixMilli())
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:16])
}

// location resolves a schedule's timezone, falling back to the default
// and then UTC.
func location(sched models.Schedule, defaultTZ string) *time.Location {
	tz := sched.Timezone
	if tz == "" {
		tz = defaultTZ
	}
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}

// NextFire computes the first fire time strictly after `after`.
func NextFire(sched models.Schedule, after time.Time, defaultTZ string) (time.Time, error) {
	switch sched.Kind {
	case models.ScheduleKindCron:
		expr, err := cronParser.Parse(sched.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", sched.Expr, err)
		}
		return expr.Next(after.In(location(sched, defaultTZ))).UTC(), nil

	case models.ScheduleKindInterval:
		if sched.EveryMS <= 0 {
			return time.Time{}, fmt.Errorf("interval schedule has non-positive period %dms", sched.EveryMS)
		}
		return time.Time{}, fmt.Errorf("interval schedule needs an anchor; use NextIntervalFire")

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}

// NextIntervalFire computes the first interval fire strictly after
// `after`, on the grid anchored at `anchor`. Fires land exactly at
// anchor + k*period, so a slow dispatcher never drifts the grid.
func NextIntervalFire(anchor, after time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return time.Time{}
	}
	if after.Before(anchor) {
		return anchor.UTC()
	}
	k := after.Sub(anchor)/period + 1
	return anchor.Add(k * period).UTC()
}

// CatchUp resolves an overdue schedule into a single coalesced firing:
// the latest fire time not after now, plus the count of earlier fires
// that were skipped to get there. The returned next is the first fire
// strictly after now.
func CatchUp(sched models.Schedule, anchor, due, now time.Time, defaultTZ string) (scheduledFor, next time.Time, coalesced int, err error) {
	switch sched.Kind {
	case models.ScheduleKindInterval:
		period := time.Duration(sched.EveryMS) * time.Millisecond
		if period <= 0 {
			return time.Time{}, time.Time{}, 0, fmt.Errorf("interval schedule has non-positive period %dms", sched.EveryMS)
		}
		scheduledFor = due.UTC()
		for {
			n := NextIntervalFire(anchor, scheduledFor, period)
			if n.After(now) {
				next = n
				break
			}
			scheduledFor = n
			coalesced++
		}
		return scheduledFor, next, coalesced, nil

	case models.ScheduleKindCron:
		expr, perr := cronParser.Parse(sched.Expr)
		if perr != nil {
			return time.Time{}, time.Time{}, 0, fmt.Errorf("parse cron expression %q: %w", sched.Expr, perr)
		}
		loc := location(sched, defaultTZ)
		scheduledFor = due.UTC()
		for {
			n := expr.Next(scheduledFor.In(loc)).UTC()
			if n.After(now) {
				next = n
				break
			}
			scheduledFor = n
			coalesced++
		}
		return scheduledFor, next, coalesced, nil

	default:
		return time.Time{}, time.Time{}, 0, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}
