package approval_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"workflowkernel/internal/approval"
	"workflowkernel/internal/domain"
)

func sampleSchema() domain.UISchema {
	return domain.UISchema{
		Title: "Refund request",
		Fields: []domain.UIField{
			{Name: "reason", Label: "Reason", Type: "text", Required: true},
			{Name: "tier", Label: "Tier", Type: "select", Required: false, Options: []string{"gold", "silver"}},
		},
	}
}

func TestValidateResponse_MissingRequired(t *testing.T) {
	err := approval.ValidateResponse(sampleSchema(), map[string]interface{}{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestValidateResponse_EmptyRequiredString(t *testing.T) {
	err := approval.ValidateResponse(sampleSchema(), map[string]interface{}{"reason": ""})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestValidateResponse_OptionNotInList(t *testing.T) {
	err := approval.ValidateResponse(sampleSchema(), map[string]interface{}{
		"reason": "damaged item",
		"tier":   "platinum",
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestValidateResponse_Valid(t *testing.T) {
	err := approval.ValidateResponse(sampleSchema(), map[string]interface{}{
		"reason": "damaged item",
		"tier":   "gold",
	})
	assert.NoError(t, err)
}

func TestValidateResponse_OptionalFieldOmitted(t *testing.T) {
	err := approval.ValidateResponse(sampleSchema(), map[string]interface{}{
		"reason": "damaged item",
	})
	assert.NoError(t, err)
}
