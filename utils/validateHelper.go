package utils

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateStruct runs the `validate` tags of input. The returned error message lists
// field=tag pairs in a stable order.
func ValidateStruct(input any) error {
	err := getValidator().Struct(input)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := ProcessValidationErrors(verrs)
	parts := make([]string, 0, len(fields))
	for field, tag := range fields {
		parts = append(parts, field+"="+tag)
	}
	sort.Strings(parts)
	return errors.New("invalid input: " + strings.Join(parts, ", "))
}

func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Namespace()] = ve.Tag()
	}
	return errorResponse
}
