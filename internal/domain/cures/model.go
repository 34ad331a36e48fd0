package cures

import (
	"time"

	"github.com/ehr/audittrail/internal/domain/audit"
)

// State is the outcome of a controlled-substance check.
type State string

const (
	StatePending              State = "PENDING"
	StateApproved             State = "APPROVED"
	StateApprovedWithWarnings State = "APPROVED_WITH_WARNINGS"
	StateBlocked              State = "BLOCKED"
)

// Red flag types.
const (
	FlagDoctorShopping   = "DOCTOR_SHOPPING"
	FlagPharmacyShopping = "PHARMACY_SHOPPING"
	FlagOverlapping      = "OVERLAPPING_PRESCRIPTIONS"
	FlagHighMME          = "HIGH_MME"
	FlagEarlyRefills     = "EARLY_REFILL_PATTERN"
)

// Access types recorded in the details of CURES_ACCESS events.
const (
	AccessQueryPerformed = "QUERY_PERFORMED"
	AccessCacheHit       = "CACHE_HIT"
	AccessNotControlled  = "NOT_CONTROLLED"
)

// Documentation required when the daily MME exceeds the warning threshold.
var mmeDocumentation = []string{
	"pain_management_agreement",
	"naloxone_prescription",
	"urine_drug_screen",
}

// Request asks whether a prescription may be written.
type Request struct {
	PatientID  string `json:"patientId"`
	Medication string `json:"medication"`
	Dosage     string `json:"dosage,omitempty"`
	Quantity   int    `json:"quantity,omitempty"`
}

// Prescription is one dispensed controlled substance in the registry
// history.
type Prescription struct {
	PrescriberID string    `json:"prescriberId"`
	PharmacyID   string    `json:"pharmacyId"`
	Medication   string    `json:"medication"`
	FilledAt     time.Time `json:"filledAt"`
	DaysSupply   int       `json:"daysSupply"`
	EarlyRefill  bool      `json:"earlyRefill"`
}

// History is the registry's answer for one patient.
type History struct {
	PatientID          string         `json:"patientId"`
	CheckID            string         `json:"checkId"`
	Prescriptions      []Prescription `json:"prescriptions"`
	DailyMME           float64        `json:"dailyMorphineEquivalents"`
	ActiveControlledRx int            `json:"activeControlledPrescriptions"`
}

// RedFlag is one finding over a patient's history.
type RedFlag struct {
	Type        string         `json:"type"`
	Severity    audit.Severity `json:"severity"`
	Description string         `json:"description"`
}

// Result is the gate's decision.
type Result struct {
	CheckID               string    `json:"checkId"`
	State                 State     `json:"state"`
	PatientID             string    `json:"patientId"`
	Medication            string    `json:"medication"`
	Schedule              Schedule  `json:"schedule,omitempty"`
	CURESCheckRequired    bool      `json:"curesCheckRequired"`
	RedFlags              []RedFlag `json:"redFlags"`
	DailyMME              float64   `json:"dailyMme,omitempty"`
	MMEWarning            string    `json:"mmeWarning,omitempty"`
	RequiredDocumentation []string  `json:"requiredDocumentation,omitempty"`
	Cached                bool      `json:"cached"`
	CheckedAt             time.Time `json:"checkedAt"`
	// BlockReason and RequiresSupervisorOverride are set only on BLOCKED
	// results.
	BlockReason                string `json:"blockReason,omitempty"`
	RequiresSupervisorOverride bool   `json:"requiresSupervisorOverride"`
}

func (r *Result) clone() *Result {
	c := *r
	c.RedFlags = append([]RedFlag{}, r.RedFlags...)
	if r.RequiredDocumentation != nil {
		c.RequiredDocumentation = append([]string(nil), r.RequiredDocumentation...)
	}
	return &c
}
