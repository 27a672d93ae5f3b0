package utils

import (
	"fmt"
	"strings"

	"crmflow/models"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	// Format validation errors
	var errors []string
	for _, err := range err.(validator.ValidationErrors) {
		field := strings.ToLower(err.Field())
		tag := err.Tag()
		param := err.Param()

		switch tag {
		case "required":
			errors = append(errors, field+" is required")
		case "min":
			errors = append(errors, field+" must be at least "+param)
		case "max":
			errors = append(errors, field+" must be at most "+param)
		case "email":
			errors = append(errors, field+" must be a valid email")
		case "oneof":
			errors = append(errors, field+" must be one of: "+param)
		default:
			errors = append(errors, field+" is invalid")
		}
	}

	return fmt.Errorf(strings.Join(errors, ", "))
}

var validDelayUnits = map[string]bool{
	models.DelayUnitMinutes: true,
	models.DelayUnitHours:   true,
	models.DelayUnitDays:    true,
	models.DelayUnitWeeks:   true,
}

// ValidateSequenceSteps enforces the authoring rules for a full step list:
// positive unique step numbers, complete type-specific payloads, and no
// condition steps until they have executable semantics.
func ValidateSequenceSteps(steps []models.SequenceStep) error {
	seen := make(map[int]bool, len(steps))

	for i, step := range steps {
		if step.StepNumber < 1 {
			return fmt.Errorf("step %d: step_number must be 1 or greater", i+1)
		}
		if seen[step.StepNumber] {
			return fmt.Errorf("duplicate step_number %d", step.StepNumber)
		}
		seen[step.StepNumber] = true

		switch step.StepType {
		case models.StepTypeEmail:
			if step.Subject == "" {
				return fmt.Errorf("step %d: email steps require a subject", step.StepNumber)
			}
			if step.BodyHTML == "" {
				return fmt.Errorf("step %d: email steps require a body", step.StepNumber)
			}
		case models.StepTypeDelay:
			if step.DelayAmount < 1 {
				return fmt.Errorf("step %d: delay amount must be a positive integer", step.StepNumber)
			}
			if !validDelayUnits[step.DelayUnit] {
				return fmt.Errorf("step %d: delay unit must be minutes, hours, days or weeks", step.StepNumber)
			}
		case models.StepTypeCondition:
			return fmt.Errorf("step %d: condition steps are not yet supported", step.StepNumber)
		default:
			return fmt.Errorf("step %d: unknown step type %q", step.StepNumber, step.StepType)
		}
	}

	return nil
}
