package audit

import "testing"

func TestClassify(t *testing.T) {
	p := DefaultSeverityPolicy()
	tests := []struct {
		action  Action
		success bool
		want    Severity
	}{
		{ActionDeletePHI, true, SeverityCritical},
		{ActionDeletePHI, false, SeverityCritical},
		{ActionExportPHI, true, SeverityCritical},
		{ActionPermissionDenied, false, SeverityCritical},
		{ActionFailedLogin, false, SeverityCritical},
		{ActionCURESCheckFailed, false, SeverityCritical},
		{ActionUpdatePHI, true, SeverityHigh},
		{ActionApproveClaim, true, SeverityHigh},
		{ActionDenyClaim, true, SeverityHigh},
		{ActionViewPHI, false, SeverityHigh},
		{ActionLogin, false, SeverityHigh},
		{ActionViewPHI, true, SeverityLow},
		{ActionViewLabResult, true, SeverityLow},
		{ActionLogin, true, SeverityMedium},
		{ActionAPIAccess, true, SeverityMedium},
		{ActionCURESAccess, true, SeverityMedium},
		{ActionSendMessage, true, SeverityMedium},
	}
	for _, tt := range tests {
		if got := p.Classify(tt.action, tt.success); got != tt.want {
			t.Errorf("Classify(%s, %v) = %s, want %s", tt.action, tt.success, got, tt.want)
		}
	}
}

func TestPrimaryRole(t *testing.T) {
	tests := []struct {
		roles []string
		want  Role
	}{
		{nil, RoleAnonymous},
		{[]string{"superhero"}, RoleAnonymous},
		{[]string{"nurse"}, RoleNurse},
		{[]string{"unknown", "compliance_officer", "admin"}, RoleComplianceOfficer},
	}
	for _, tt := range tests {
		if got := PrimaryRole(tt.roles); got != tt.want {
			t.Errorf("PrimaryRole(%v) = %s, want %s", tt.roles, got, tt.want)
		}
	}
}

func TestResourceType_IsPHI(t *testing.T) {
	for _, r := range []ResourceType{ResourcePatientRecord, ResourceLabResult, ResourcePrescription} {
		if !r.IsPHI() {
			t.Errorf("expected %s to be PHI", r)
		}
	}
	for _, r := range []ResourceType{ResourceAPIEndpoint, ResourceMessage, ResourceInsuranceClaim} {
		if r.IsPHI() {
			t.Errorf("expected %s not to be PHI", r)
		}
	}
}
