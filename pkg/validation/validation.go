// Package validation wraps go-playground/validator and converts its errors into errutil details.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"competition-engine/pkg/errutil"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New()

	// decimal: a string that parses as a decimal number.
	_ = v.RegisterValidation("decimal", func(fl validator.FieldLevel) bool {
		_, err := decimal.NewFromString(fl.Field().String())
		return err == nil
	})
	// positive_decimal: a decimal string strictly greater than zero.
	_ = v.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	// nonneg_decimal: a decimal string greater than or equal to zero.
	_ = v.RegisterValidation("nonneg_decimal", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && !d.IsNegative()
	})

	return v
}

// Engine exposes the shared validator, e.g. for gin's binding.
func Engine() *validator.Validate {
	return validate
}

// Struct validates s and returns an errutil.ValidationFailed error with one detail per field.
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errutil.BadRequest("invalid request", err)
	}

	details := make([]errutil.Detail, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, errutil.Detail{
			Field:   fe.Field(),
			Message: message(fe),
		})
	}

	return errutil.ValidationFailed("validation failed", nil, errutil.WithDetails(details...))
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "decimal":
		return "must be a decimal number"
	case "positive_decimal":
		return "must be a decimal greater than zero"
	case "nonneg_decimal":
		return "must be a decimal greater than or equal to zero"
	case "gte", "lte", "gt", "lt":
		return fmt.Sprintf("must be %s %s", fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("failed on %s", fe.Tag())
	}
}
