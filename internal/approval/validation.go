package approval

import (
	"fmt"

	"workflowkernel/internal/domain"
)

// ValidateResponse checks response_data against the approval's own
// ui_schema: every required field must be present and non-empty, and
// any field with a declared Options list must have a value drawn from
// it. Ported from original_source/app/core/approval_service.py's
// field-by-field validation loop in respond_to_approval.
func ValidateResponse(schema domain.UISchema, responseData map[string]interface{}) error {
	for _, field := range schema.Fields {
		value, present := responseData[field.Name]

		if field.Required && (!present || isEmpty(value)) {
			return fmt.Errorf("%w: missing required field %q", domain.ErrValidation, field.Name)
		}

		if !present || len(field.Options) == 0 {
			continue
		}

		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: field %q must be a string to match its options", domain.ErrValidation, field.Name)
		}
		if !contains(field.Options, str) {
			return fmt.Errorf("%w: field %q value %q is not one of %v", domain.ErrValidation, field.Name, str, field.Options)
		}
	}
	return nil
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

func contains(options []string, v string) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}
