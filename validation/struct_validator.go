package validation

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/kbukum/authkit/errors"
)

var (
	validate *validator.Validate
	once     sync.Once
)

// getValidator returns the singleton validator instance.
// Field names in error messages come from json tags.
func getValidator() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// ValidateStruct validates a struct against its `validate` tags and
// returns the collected field errors, or nil if the struct is valid.
func ValidateStruct(s any) *errors.AppError {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	invalid, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Validation(err.Error())
	}

	v := New()
	for _, fe := range invalid {
		v.AddError(fe.Field(), messageFor(fe))
	}
	return v.Validate()
}

// DecodeInto decodes a loosely-typed input map into the given schema
// struct and validates it. Decode failures and tag violations are both
// reported as validation errors, never as panics or internal errors.
func DecodeInto(input map[string]any, schema any) *errors.AppError {
	raw, err := json.Marshal(input)
	if err != nil {
		return errors.Validation("input is not decodable")
	}

	if err := json.Unmarshal(raw, schema); err != nil {
		return errors.Validation("input does not match the expected shape").
			WithDetail("decode_error", err.Error())
	}

	return ValidateStruct(schema)
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be " + fe.Param() + " characters or less"
	case "url":
		return "must be a valid URL"
	case "uuid":
		return "must be a valid UUID"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	default:
		return "failed validation rule: " + fe.Tag()
	}
}
