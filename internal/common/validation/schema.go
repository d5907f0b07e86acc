// Package validation checks workflow event payloads against closed JSON
// schemas and provides small format checks for recipient addresses.
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// EventSchemas maps each accepted event type to the schema of its
// {eventType, userId, data} envelope. Event types missing here are rejected.
var EventSchemas = map[string]string{
	"user_registered": `{
		"type": "object",
		"properties": {
			"eventType": {"const": "user_registered"},
			"userId":    {"type": "string", "minLength": 1},
			"data":      {"type": "object"}
		},
		"required": ["eventType", "userId"],
		"additionalProperties": false
	}`,
	"new_movie": `{
		"type": "object",
		"properties": {
			"eventType": {"const": "new_movie"},
			"userId":    {"type": "string"},
			"data": {
				"type": "object",
				"properties": {
					"title":   {"type": "string"},
					"link":    {"type": "string"},
					"release": {"type": "string"}
				}
			}
		},
		"required": ["eventType"],
		"additionalProperties": false
	}`,
}

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// EventValidator holds the compiled event schemas.
type EventValidator struct {
	schemas map[string]*gojsonschema.Schema
}

func NewEventValidator() (*EventValidator, error) {
	v := &EventValidator{schemas: make(map[string]*gojsonschema.Schema, len(EventSchemas))}
	for eventType, src := range EventSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %q: %w", eventType, err)
		}
		v.schemas[eventType] = schema
	}
	return v, nil
}

// Known reports whether eventType has a schema.
func (v *EventValidator) Known(eventType string) bool {
	_, ok := v.schemas[eventType]
	return ok
}

// EventTypes lists the accepted event types in sorted order.
func (v *EventValidator) EventTypes() []string {
	types := make([]string, 0, len(v.schemas))
	for t := range v.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks input against the schema of eventType.
func (v *EventValidator) Validate(eventType string, input map[string]interface{}) (*ValidationResult, error) {
	schema, ok := v.schemas[eventType]
	if !ok {
		return nil, fmt.Errorf("no schema for event type %q", eventType)
	}

	res, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return nil, fmt.Errorf("validate %q payload: %w", eventType, err)
	}

	result := &ValidationResult{Valid: res.Valid()}
	for _, e := range res.Errors() {
		result.Errors = append(result.Errors, ValidationError{
			Field:   fieldOf(e),
			Message: e.Description(),
			Code:    strings.ToUpper(e.Type()),
		})
	}
	sort.Slice(result.Errors, func(i, j int) bool {
		return result.Errors[i].Field < result.Errors[j].Field
	})
	return result, nil
}

// fieldOf names the offending property for errors gojsonschema reports
// against the enclosing object.
func fieldOf(e gojsonschema.ResultError) string {
	switch e.Type() {
	case "required", "additional_property_not_allowed":
		if p, ok := e.Details()["property"]; ok {
			prop, field := fmt.Sprint(p), e.Field()
			switch {
			case field == "(root)":
				return prop
			case field == prop || strings.HasSuffix(field, "."+prop):
				return field
			default:
				return field + "." + prop
			}
		}
	}
	return e.Field()
}

// GetErrorMessages returns a simple list of error messages
func (vr *ValidationResult) GetErrorMessages() []string {
	messages := make([]string, len(vr.Errors))
	for i, err := range vr.Errors {
		messages[i] = fmt.Sprintf("%s: %s", err.Field, err.Message)
	}
	return messages
}

// HasErrors checks if validation has errors for specific field
func (vr *ValidationResult) HasErrors(field string) bool {
	for _, err := range vr.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	e164Pattern  = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)
	urlPattern   = regexp.MustCompile(`^https?://[^\s/$.?#][^\s]*$`)
)

// ValidateEmail validates email format
func ValidateEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// ValidatePhone accepts E.164 numbers, the format SNS SMS requires.
func ValidatePhone(phone string) bool {
	return e164Pattern.MatchString(phone)
}

// ValidateURL accepts absolute http and https URLs.
func ValidateURL(url string) bool {
	return urlPattern.MatchString(url)
}
