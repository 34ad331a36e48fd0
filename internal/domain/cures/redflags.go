package cures

import (
	"fmt"
	"sort"
	"time"

	"github.com/ehr/audittrail/internal/domain/audit"
)

const (
	shoppingThreshold    = 5
	earlyRefillThreshold = 3
	mmeWarningThreshold  = 90
	mmeHighFlagThreshold = 120
	minDaysSupply        = 1
)

// Evaluate computes the red flags, MME warning and required documentation
// for a registry history.
func Evaluate(h *History) (flags []RedFlag, mmeWarning string, docs []string) {
	flags = make([]RedFlag, 0)

	prescribers := make(map[string]bool)
	pharmacies := make(map[string]bool)
	early := 0
	for _, rx := range h.Prescriptions {
		if rx.PrescriberID != "" {
			prescribers[rx.PrescriberID] = true
		}
		if rx.PharmacyID != "" {
			pharmacies[rx.PharmacyID] = true
		}
		if rx.EarlyRefill {
			early++
		}
	}

	if n := len(prescribers); n >= shoppingThreshold {
		flags = append(flags, RedFlag{
			Type:        FlagDoctorShopping,
			Severity:    audit.SeverityCritical,
			Description: fmt.Sprintf("controlled substances from %d prescribers in the last 12 months", n),
		})
	}
	if n := len(pharmacies); n >= shoppingThreshold {
		flags = append(flags, RedFlag{
			Type:        FlagPharmacyShopping,
			Severity:    audit.SeverityHigh,
			Description: fmt.Sprintf("filled at %d different pharmacies", n),
		})
	}
	if n := overlapping(h.Prescriptions); n > 0 {
		flags = append(flags, RedFlag{
			Type:        FlagOverlapping,
			Severity:    audit.SeverityCritical,
			Description: fmt.Sprintf("%d overlapping prescriptions from different prescribers", n),
		})
	}
	if h.DailyMME > mmeHighFlagThreshold {
		flags = append(flags, RedFlag{
			Type:        FlagHighMME,
			Severity:    audit.SeverityHigh,
			Description: fmt.Sprintf("daily MME of %gmg exceeds %dmg", h.DailyMME, mmeHighFlagThreshold),
		})
	}
	if early >= earlyRefillThreshold {
		flags = append(flags, RedFlag{
			Type:        FlagEarlyRefills,
			Severity:    audit.SeverityMedium,
			Description: fmt.Sprintf("%d early refills in the past year", early),
		})
	}

	if h.DailyMME > mmeWarningThreshold {
		mmeWarning = fmt.Sprintf("daily MME is %gmg; avoid %dmg/day or more", h.DailyMME, mmeWarningThreshold)
		docs = append([]string(nil), mmeDocumentation...)
	}
	return flags, mmeWarning, docs
}

// Decide maps findings to a state: any critical flag blocks, any other flag
// or an MME warning approves with warnings.
func Decide(flags []RedFlag, mmeWarning string) State {
	for _, f := range flags {
		if f.Severity == audit.SeverityCritical {
			return StateBlocked
		}
	}
	if len(flags) > 0 || mmeWarning != "" {
		return StateApprovedWithWarnings
	}
	return StateApproved
}

// overlapping counts prescriptions whose supply window [filledAt,
// filledAt+daysSupply) intersects one from a different prescriber.
func overlapping(rxs []Prescription) int {
	type span struct {
		start, end time.Time
		prescriber string
	}
	spans := make([]span, 0, len(rxs))
	for _, rx := range rxs {
		if rx.FilledAt.IsZero() {
			continue
		}
		days := rx.DaysSupply
		if days <= 0 {
			days = minDaysSupply
		}
		spans = append(spans, span{
			start:      rx.FilledAt,
			end:        rx.FilledAt.Add(time.Duration(days) * 24 * time.Hour),
			prescriber: rx.PrescriberID,
		})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start.Before(spans[j].start) })

	hit := make([]bool, len(spans))
	for i := range spans {
		for j := i + 1; j < len(spans) && spans[j].start.Before(spans[i].end); j++ {
			if spans[i].prescriber != spans[j].prescriber {
				hit[i], hit[j] = true, true
			}
		}
	}
	n := 0
	for _, h := range hit {
		if h {
			n++
		}
	}
	return n
}
