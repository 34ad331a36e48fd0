package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the closed set of auditable operations.
type Action string

const (
	ActionViewPHI          Action = "VIEW_PHI"
	ActionUpdatePHI        Action = "UPDATE_PHI"
	ActionDeletePHI        Action = "DELETE_PHI"
	ActionExportPHI        Action = "EXPORT_PHI"
	ActionSendMessage      Action = "SEND_MESSAGE"
	ActionViewLabResult    Action = "VIEW_LAB_RESULT"
	ActionFileClaim        Action = "FILE_CLAIM"
	ActionApproveClaim     Action = "APPROVE_CLAIM"
	ActionDenyClaim        Action = "DENY_CLAIM"
	ActionLogin            Action = "LOGIN"
	ActionLogout           Action = "LOGOUT"
	ActionFailedLogin      Action = "FAILED_LOGIN"
	ActionPermissionDenied Action = "PERMISSION_DENIED"
	ActionAPIAccess        Action = "API_ACCESS"
	ActionDocumentUpload   Action = "DOCUMENT_UPLOAD"
	ActionDocumentDownload Action = "DOCUMENT_DOWNLOAD"
	ActionConsentGranted   Action = "CONSENT_GRANTED"
	ActionConsentRevoked   Action = "CONSENT_REVOKED"

	// Emitted only by the controlled-substance gate.
	ActionCURESAccess      Action = "CURES_ACCESS"
	ActionCURESCheckFailed Action = "CURES_CHECK_FAILED"
)

var validActions = map[Action]bool{
	ActionViewPHI: true, ActionUpdatePHI: true, ActionDeletePHI: true, ActionExportPHI: true,
	ActionSendMessage: true, ActionViewLabResult: true, ActionFileClaim: true,
	ActionApproveClaim: true, ActionDenyClaim: true, ActionLogin: true, ActionLogout: true,
	ActionFailedLogin: true, ActionPermissionDenied: true, ActionAPIAccess: true,
	ActionDocumentUpload: true, ActionDocumentDownload: true, ActionConsentGranted: true,
	ActionConsentRevoked: true, ActionCURESAccess: true, ActionCURESCheckFailed: true,
}

// Valid reports whether a is a member of the closed action set.
func (a Action) Valid() bool { return validActions[a] }

// ClientSubmittable reports whether a may be posted by API clients. The
// controlled-substance actions are written only by the gate itself.
func (a Action) ClientSubmittable() bool {
	switch a {
	case ActionCURESAccess, ActionCURESCheckFailed:
		return false
	}
	return a.Valid()
}

// IsView reports whether the action is a read of some resource.
func (a Action) IsView() bool { return strings.HasPrefix(string(a), "VIEW") }

// ResourceType is the closed set of audited resource kinds.
type ResourceType string

const (
	ResourcePatientRecord  ResourceType = "patient_record"
	ResourceLabResult      ResourceType = "lab_result"
	ResourcePrescription   ResourceType = "prescription"
	ResourceInsuranceClaim ResourceType = "insurance_claim"
	ResourceDocument       ResourceType = "document"
	ResourceMessage        ResourceType = "message"
	ResourceAppointment    ResourceType = "appointment"
	ResourceConsentForm    ResourceType = "consent_form"
	ResourceAPIEndpoint    ResourceType = "api_endpoint"
)

var validResourceTypes = map[ResourceType]bool{
	ResourcePatientRecord: true, ResourceLabResult: true, ResourcePrescription: true,
	ResourceInsuranceClaim: true, ResourceDocument: true, ResourceMessage: true,
	ResourceAppointment: true, ResourceConsentForm: true, ResourceAPIEndpoint: true,
}

// Valid reports whether r is a member of the closed resource type set.
func (r ResourceType) Valid() bool { return validResourceTypes[r] }

// IsPHI reports whether events on this resource type must carry a patient id.
func (r ResourceType) IsPHI() bool {
	switch r {
	case ResourcePatientRecord, ResourceLabResult, ResourcePrescription:
		return true
	}
	return false
}

// Role is the closed set of actor roles.
type Role string

const (
	RoleDoctor            Role = "doctor"
	RoleNurse             Role = "nurse"
	RoleAdmin             Role = "admin"
	RolePatient           Role = "patient"
	RoleInsuranceAgent    Role = "insurance_agent"
	RoleSystem            Role = "system"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleSecurityAdmin     Role = "security_admin"
	RoleAnonymous         Role = "anonymous"
)

var validRoles = map[Role]bool{
	RoleDoctor: true, RoleNurse: true, RoleAdmin: true, RolePatient: true,
	RoleInsuranceAgent: true, RoleSystem: true, RoleComplianceOfficer: true,
	RoleSecurityAdmin: true, RoleAnonymous: true,
}

// Valid reports whether r is a member of the closed role set.
func (r Role) Valid() bool { return validRoles[r] }

// PrimaryRole picks the first recognised role from a token's role list.
// Unrecognised or empty lists map to RoleAnonymous.
func PrimaryRole(roles []string) Role {
	for _, r := range roles {
		if Role(r).Valid() {
			return Role(r)
		}
	}
	return RoleAnonymous
}

// Severity is always computed server-side.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity in ascending order.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Location is the coarse origin of a request.
type Location struct {
	Country string `json:"country,omitempty" validate:"max=64"`
	Region  string `json:"region,omitempty" validate:"max=64"`
	City    string `json:"city,omitempty" validate:"max=64"`
}

// ComplianceFlags mark events for downstream compliance review.
type ComplianceFlags struct {
	HIPAARelevant   bool `json:"hipaaRelevant"`
	RequiresConsent bool `json:"requiresConsent"`
	EmergencyAccess bool `json:"emergencyAccess"`
}

// Details carries structured, non-clinical context about an event. Query
// string values are never recorded, only their keys.
type Details struct {
	Method          string   `json:"method,omitempty" validate:"max=16"`
	Path            string   `json:"path,omitempty" validate:"max=512"`
	QueryKeys       []string `json:"queryKeys,omitempty" validate:"max=64,dive,max=128"`
	StatusCode      int      `json:"statusCode,omitempty" validate:"min=0,max=599"`
	AttemptedAction string   `json:"attemptedAction,omitempty" validate:"max=256"`
	Reason          string   `json:"reason,omitempty" validate:"max=256"`
	ChangedFields   []string `json:"changedFields,omitempty" validate:"max=64,dive,max=128"`
	LoginMethod     string   `json:"loginMethod,omitempty" validate:"max=64"`

	AccessType string `json:"accessType,omitempty" validate:"max=32"`
	Medication string `json:"medication,omitempty" validate:"max=128"`
	CheckID    string `json:"checkId,omitempty" validate:"max=64"`
	Outcome    string `json:"outcome,omitempty" validate:"max=64"`
}

// Actor identifies who performed an action and from where.
type Actor struct {
	UserID    string `json:"userId" validate:"required,max=128"`
	UserRole  Role   `json:"userRole" validate:"required"`
	UserEmail string `json:"userEmail" validate:"required,max=320"`
	IPAddress string `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	UserAgent string `json:"userAgent,omitempty" validate:"max=512"`
	SessionID string `json:"sessionId,omitempty" validate:"max=128"`
}

// Input is a caller-supplied event. Server-owned fields (id, timestamp,
// severity, chain hashes) are absent.
type Input struct {
	Actor
	Action          Action          `json:"action" validate:"required"`
	ResourceType    ResourceType    `json:"resourceType" validate:"required"`
	ResourceID      string          `json:"resourceId" validate:"required,max=256"`
	PatientID       string          `json:"patientId,omitempty" validate:"max=128"`
	Details         Details         `json:"details"`
	Location        *Location       `json:"location,omitempty"`
	Success         bool            `json:"success"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	ResponseTime    *int64          `json:"responseTime,omitempty" validate:"omitempty,min=0"`
	ComplianceFlags ComplianceFlags `json:"complianceFlags"`

	// OccurredAt is set by in-process producers that observed the action
	// before handing it to an asynchronous sink. It never comes from a
	// request body.
	OccurredAt time.Time `json:"-"`
}

// Event is a persisted, immutable audit record.
type Event struct {
	AuditID         uuid.UUID       `json:"auditId"`
	Timestamp       time.Time       `json:"timestamp"`
	UserID          string          `json:"userId"`
	UserRole        Role            `json:"userRole"`
	UserEmail       string          `json:"userEmail"`
	Action          Action          `json:"action"`
	ResourceType    ResourceType    `json:"resourceType"`
	ResourceID      string          `json:"resourceId"`
	PatientID       string          `json:"patientId,omitempty"`
	Details         Details         `json:"details"`
	IPAddress       string          `json:"ipAddress,omitempty"`
	UserAgent       string          `json:"userAgent,omitempty"`
	SessionID       string          `json:"sessionId,omitempty"`
	Location        *Location       `json:"location,omitempty"`
	Severity        Severity        `json:"severity"`
	Success         bool            `json:"success"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	ResponseTime    *int64          `json:"responseTime,omitempty"`
	ComplianceFlags ComplianceFlags `json:"complianceFlags"`
	PrevHash        string          `json:"prevHash"`
	Hash            string          `json:"hash"`
}

// clone returns a deep copy so stored events cannot be mutated through
// returned pointers.
func (e *Event) clone() *Event {
	c := *e
	if e.Location != nil {
		loc := *e.Location
		c.Location = &loc
	}
	if e.ResponseTime != nil {
		rt := *e.ResponseTime
		c.ResponseTime = &rt
	}
	if e.Details.QueryKeys != nil {
		c.Details.QueryKeys = append([]string(nil), e.Details.QueryKeys...)
	}
	if e.Details.ChangedFields != nil {
		c.Details.ChangedFields = append([]string(nil), e.Details.ChangedFields...)
	}
	return &c
}

// Echo context keys a handler sets to override the action and resource
// type the HTTP audit middleware records for its route. ContextKeyRecorded
// set to true means the request was already recorded and the middleware
// emits nothing.
const (
	ContextKeyAction       = "audit_action"
	ContextKeyResourceType = "audit_resource_type"
	ContextKeyRecorded     = "audit_recorded"
)
