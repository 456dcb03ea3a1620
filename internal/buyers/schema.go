package buyers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ValidationMode selects how strictly LeadInput.Validate treats absent fields.
type ValidationMode int

const (
	// ValidateFull requires every mandatory field, used on the creation path.
	ValidateFull ValidationMode = iota
	// ValidatePartial makes every field optional, used on the update path.
	ValidatePartial
)

// ViolationKind classifies a validation failure.
type ViolationKind string

const (
	// ViolationDomain marks a value outside an enumerated domain.
	ViolationDomain ViolationKind = "domain"
	// ViolationFormat marks a string-length, pattern or range failure.
	ViolationFormat ViolationKind = "format"
	// ViolationRequired marks a mandatory field that was not supplied.
	ViolationRequired ViolationKind = "required"
)

// Violation attaches one failed rule to a logical field. The field name is
// not always a storage column: cross-field rules report against virtual
// fields such as "budget".
type Violation struct {
	Field   string        `json:"field"`
	Kind    ViolationKind `json:"kind"`
	Message string        `json:"message"`
}

// Violations is the ordered collection of failures produced by one
// validation pass. Validation never stops at the first failure.
type Violations []Violation

func (v *Violations) add(field string, kind ViolationKind, format string, args ...any) {
	*v = append(*v, Violation{Field: field, Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// ByField folds the violation list into a field-to-messages map suitable for
// rendering a consolidated per-field error response.
func (v Violations) ByField() map[string][]string {
	if len(v) == 0 {
		return nil
	}
	grouped := make(map[string][]string, len(v))
	for _, violation := range v {
		grouped[violation.Field] = append(grouped[violation.Field], violation.Message)
	}
	return grouped
}

// ValidationError carries the full violation set for a rejected payload.
type ValidationError struct {
	Violations Violations
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Violations))
	seen := map[string]bool{}
	for _, violation := range e.Violations {
		if !seen[violation.Field] {
			seen[violation.Field] = true
			fields = append(fields, violation.Field)
		}
	}
	return fmt.Sprintf("buyers: validation failed on %s", strings.Join(fields, ", "))
}

// TagList accepts either a JSON array of strings or a single comma-separated
// string and normalizes both to an ordered tag sequence.
type TagList []string

// UnmarshalJSON implements the dual string/array wire shape.
func (t *TagList) UnmarshalJSON(data []byte) error {
	var asArray []string
	if err := json.Unmarshal(data, &asArray); err == nil {
		*t = TagList(asArray)
		return nil
	}
	var asString string
	if err := json.Unmarshal(data, &asString); err != nil {
		return fmt.Errorf("tags must be a string or an array of strings")
	}
	*t = TagList(strings.Split(asString, ","))
	return nil
}

// Normalized trims every tag and drops empties. Normalization is idempotent.
func (t TagList) Normalized() []string {
	normalized := make([]string, 0, len(t))
	for _, tag := range t {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	return normalized
}

// OptionalInt is an integer field that may arrive as a JSON number, a
// numeric string, or an empty string meaning "not provided".
type OptionalInt struct {
	Value int64
	Set   bool
}

// UnmarshalJSON coerces the flexible wire shapes the intake form produces.
func (o *OptionalInt) UnmarshalJSON(data []byte) error {
	var asNumber int64
	if err := json.Unmarshal(data, &asNumber); err == nil {
		o.Value = asNumber
		o.Set = true
		return nil
	}
	var asString string
	if err := json.Unmarshal(data, &asString); err != nil {
		return fmt.Errorf("must be an integer")
	}
	trimmed := strings.TrimSpace(asString)
	if trimmed == "" {
		o.Set = false
		return nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return fmt.Errorf("must be an integer")
	}
	o.Value = parsed
	o.Set = true
	return nil
}

// MarshalJSON round-trips the value; an unset field encodes as null.
func (o OptionalInt) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// LeadInput is the untyped form payload for creating or updating a lead.
// Absent fields stay nil so the partial mode can tell "not provided" from
// "provided empty".
type LeadInput struct {
	FullName     *string      `json:"fullName"`
	Email        *string      `json:"email"`
	Phone        *string      `json:"phone"`
	City         *string      `json:"city"`
	PropertyType *string      `json:"propertyType"`
	BHK          *string      `json:"bhk"`
	Purpose      *string      `json:"purpose"`
	BudgetMin    *OptionalInt `json:"budgetMin"`
	BudgetMax    *OptionalInt `json:"budgetMax"`
	Timeline     *string      `json:"timeline"`
	Source       *string      `json:"source"`
	Status       *string      `json:"status"`
	Notes        *string      `json:"notes"`
	Tags         *TagList     `json:"tags"`
}

var (
	fullNamePattern = regexp.MustCompile(`^[A-Za-z\s]+$`)
	phonePattern    = regexp.MustCompile(`^\d{10,15}$`)
	emailPattern    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

const (
	fullNameMinLength = 2
	fullNameMaxLength = 80
	notesMaxLength    = 1000
)

func (in LeadInput) budgetMin() (int64, bool) {
	if in.BudgetMin == nil || !in.BudgetMin.Set {
		return 0, false
	}
	return in.BudgetMin.Value, true
}

func (in LeadInput) budgetMax() (int64, bool) {
	if in.BudgetMax == nil || !in.BudgetMax.Set {
		return 0, false
	}
	return in.BudgetMax.Value, true
}

// Validate checks the payload against the form contract. Per-field rules run
// first and every failure is collected; the cross-field rules (bhk for
// Apartment/Villa, budget range) run only once the per-field rules pass and
// report against their virtual field names.
func (in LeadInput) Validate(mode ValidationMode) Violations {
	var violations Violations

	requireString := func(field string, value *string) bool {
		if value != nil {
			return true
		}
		if mode == ValidateFull {
			violations.add(field, ViolationRequired, "%s is required", field)
		}
		return false
	}

	if requireString("fullName", in.FullName) {
		trimmed := strings.TrimSpace(*in.FullName)
		if len(trimmed) < fullNameMinLength || len(trimmed) > fullNameMaxLength {
			violations.add("fullName", ViolationFormat, "fullName must be between %d and %d characters", fullNameMinLength, fullNameMaxLength)
		} else if !fullNamePattern.MatchString(trimmed) {
			violations.add("fullName", ViolationFormat, "fullName must only contain letters and spaces")
		}
	}

	if in.Email != nil && strings.TrimSpace(*in.Email) != "" {
		if !emailPattern.MatchString(strings.TrimSpace(*in.Email)) {
			violations.add("email", ViolationFormat, "email must be a valid address")
		}
	}

	if requireString("phone", in.Phone) {
		if !phonePattern.MatchString(strings.TrimSpace(*in.Phone)) {
			violations.add("phone", ViolationFormat, "phone must be 10 to 15 digits")
		}
	}

	checkDomain := func(field string, value *string, allowed []string, required bool) {
		if value == nil {
			if required && mode == ValidateFull {
				violations.add(field, ViolationRequired, "%s is required", field)
			}
			return
		}
		if !isOneOf(*value, allowed) {
			violations.add(field, ViolationDomain, "%s must be one of %s", field, strings.Join(allowed, ", "))
		}
	}

	checkDomain("city", in.City, cityValues, true)
	checkDomain("propertyType", in.PropertyType, propertyTypeValues, true)
	checkDomain("bhk", in.BHK, bhkValues, false)
	checkDomain("purpose", in.Purpose, purposeValues, true)
	checkDomain("timeline", in.Timeline, timelineValues, true)
	checkDomain("source", in.Source, sourceValues, true)
	checkDomain("status", in.Status, statusValues, false)

	if minValue, ok := in.budgetMin(); ok && minValue <= 0 {
		violations.add("budgetMin", ViolationFormat, "budgetMin must be greater than 0")
	}
	if maxValue, ok := in.budgetMax(); ok && maxValue <= 0 {
		violations.add("budgetMax", ViolationFormat, "budgetMax must be greater than 0")
	}

	if in.Notes != nil && len(*in.Notes) > notesMaxLength {
		violations.add("notes", ViolationFormat, "notes must be at most %d characters", notesMaxLength)
	}

	if len(violations) > 0 {
		return violations
	}

	if in.PropertyType != nil && (*in.PropertyType == PropertyTypeApartment || *in.PropertyType == PropertyTypeVilla) {
		if in.BHK == nil || strings.TrimSpace(*in.BHK) == "" {
			violations.add("bhk", ViolationRequired, "bhk is required for Apartment or Villa")
		}
	}

	minValue, hasMin := in.budgetMin()
	maxValue, hasMax := in.budgetMax()
	switch {
	case hasMin != hasMax:
		violations.add("budget", ViolationFormat, "budgetMin and budgetMax must be provided together")
	case hasMin && hasMax && maxValue <= minValue:
		violations.add("budget", ViolationFormat, "budgetMax must be greater than budgetMin")
	}

	return violations
}
