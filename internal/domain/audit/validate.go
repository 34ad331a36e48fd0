package audit

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxErrorMessage = 512

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateInput checks struct tags, then enum membership and the
// cross-field rules tags cannot express.
func validateInput(v *validator.Validate, in *Input) error {
	verr := &ValidationError{}

	if err := v.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return NewValidationError("input", err.Error())
		}
		for _, fe := range fieldErrs {
			verr.add(fieldPath(fe.Namespace()), describe(fe))
		}
	}

	if in.UserRole != "" && !in.UserRole.Valid() {
		verr.add("userRole", "unknown role "+quote(string(in.UserRole)))
	}
	if in.Action != "" && !in.Action.Valid() {
		verr.add("action", "unknown action "+quote(string(in.Action)))
	}
	if in.ResourceType != "" && !in.ResourceType.Valid() {
		verr.add("resourceType", "unknown resource type "+quote(string(in.ResourceType)))
	}
	if in.ResourceType.IsPHI() && in.PatientID == "" {
		verr.add("patientId", "required for resource type "+string(in.ResourceType))
	}
	if in.Success && in.ErrorMessage != "" {
		verr.add("errorMessage", "must be empty when success is true")
	}
	return verr.orNil()
}

// fieldPath drops the root struct name and the embedded Actor segment from
// a validator namespace such as "Input.Actor.userId".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	out := parts[:0]
	for i, p := range parts {
		if i == 0 || p == "Actor" {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, ".")
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " long"
	case "min":
		return "must be at least " + fe.Param()
	case "ip":
		return "must be an IP address"
	}
	return "failed " + fe.Tag() + " check"
}

func quote(s string) string { return "\"" + s + "\"" }

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
