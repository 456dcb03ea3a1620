package buyers

func strPtr(value string) *string {
	return &value
}

func optInt(value int64) *OptionalInt {
	return &OptionalInt{Value: value, Set: true}
}

func validCreateInput() LeadInput {
	return LeadInput{
		FullName:     strPtr("Ann Lee"),
		Phone:        strPtr("9998887777"),
		City:         strPtr("Mohali"),
		PropertyType: strPtr("Plot"),
		Purpose:      strPtr("Buy"),
		Timeline:     strPtr("0-3m"),
		Source:       strPtr("Website"),
	}
}

func violationFields(violations Violations) []string {
	fields := make([]string, 0, len(violations))
	for _, violation := range violations {
		fields = append(fields, violation.Field)
	}
	return fields
}

func hasViolationOn(violations Violations, field string) bool {
	for _, violation := range violations {
		if violation.Field == field {
			return true
		}
	}
	return false
}
