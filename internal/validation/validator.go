// Package validation checks decoded request bodies and query parameters with
// go-playground/validator. One Validator is built at startup and shared; the
// rules are supplied per call, so it holds no per-request state.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/blackmichael/activity-feeds/internal/domain"
)

// Validator implements domain.FieldValidator.
type Validator struct {
	validate *validator.Validate
}

// New creates a Validator with the custom tags used by the feed API
// registered.
func New() (*Validator, error) {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.RegisterValidation("present", isPresent, true); err != nil {
		return nil, fmt.Errorf("register present: %w", err)
	}
	if err := v.RegisterValidation("activity_time", isActivityTime); err != nil {
		return nil, fmt.Errorf("register activity_time: %w", err)
	}
	if err := v.RegisterValidation("integer", isInteger); err != nil {
		return nil, fmt.Errorf("register integer: %w", err)
	}

	return &Validator{validate: v}, nil
}

// Validate checks data against rules. Every failing field is reported; nil
// means the data passed.
func (v *Validator) Validate(data map[string]any, rules domain.Rules) *domain.ValidationFailedError {
	if len(rules) == 0 {
		return nil
	}

	asAny := make(map[string]any, len(rules))
	for field, tag := range rules {
		asAny[field] = tag
	}

	failures := v.validate.ValidateMap(data, asAny)
	if len(failures) == 0 {
		return nil
	}

	verr := domain.NewValidationFailedError()
	for field, failure := range failures {
		err, ok := failure.(error)
		if !ok {
			verr.Add(field, field+" is invalid")
			continue
		}

		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			verr.Add(field, err.Error())
			continue
		}
		for _, fe := range fieldErrs {
			verr.Add(field, translateError(field, fe))
		}
	}
	return verr.OrNil()
}

// errorMessageTemplates maps validation tags to message templates.
var errorMessageTemplates = map[string]string{
	"required":      "%s is required",
	"present":       "%s is required",
	"integer":       "%s must be an integer",
	"activity_time": "%s must be a timestamp formatted as YYYY-MM-DDTHH:MM:SS.ffffff",
}

// errorMessageWithParam maps validation tags to templates that include param.
var errorMessageWithParam = map[string]string{
	"min": "%s must be at least %s",
	"max": "%s must be at most %s",
	"gte": "%s must be greater than or equal to %s",
	"lte": "%s must be less than or equal to %s",
}

func translateError(field string, fe validator.FieldError) string {
	if template, ok := errorMessageTemplates[fe.Tag()]; ok {
		return fmt.Sprintf(template, field)
	}
	if template, ok := errorMessageWithParam[fe.Tag()]; ok {
		return fmt.Sprintf(template, field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

// isPresent checks that a field was supplied with content. Unlike required
// it accepts zero values such as 0 and false, and it rejects blank strings
// and empty arrays or objects.
func isPresent(fl validator.FieldLevel) bool {
	field := fl.Field()
	switch field.Kind() {
	case reflect.Invalid:
		return false
	case reflect.Interface, reflect.Pointer:
		return !field.IsNil()
	case reflect.String:
		return strings.TrimSpace(field.String()) != ""
	case reflect.Slice, reflect.Array, reflect.Map:
		return field.Len() > 0
	default:
		return true
	}
}

func isActivityTime(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() != reflect.String {
		return false
	}
	return domain.ValidTime(field.String())
}

// isInteger accepts Go integers and strings holding a base-10 integer.
func isInteger(fl validator.FieldLevel) bool {
	field := fl.Field()
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	case reflect.String:
		_, err := strconv.Atoi(field.String())
		return err == nil
	default:
		return false
	}
}
