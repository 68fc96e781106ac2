// Package validate adapts go-playground/validator to echo's Validator
// interface so handlers can call c.Validate on bound request bodies.
package validate

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// Validator implements echo.Validator.
type Validator struct {
	v *validator.Validate
}

// New returns a Validator that reports fields by their json names.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Validator{v: v}
}

// Struct validates s without any HTTP translation.
func (cv *Validator) Struct(s interface{}) error {
	return cv.v.Struct(s)
}

// Validate implements echo.Validator. Failures become 400 errors naming the
// first offending field.
func (cv *Validator) Validate(i interface{}) error {
	err := cv.v.Struct(i)
	if err == nil {
		return nil
	}
	if field, msg, ok := FirstIssue(err); ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s: %s", field, msg)).SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
}

// FirstIssue extracts the field and a short message from a validation error.
func FirstIssue(err error) (field, msg string, ok bool) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "", "", false
	}
	fe := verrs[0]
	field = fe.Field()
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "min":
		msg = "must have at least " + fe.Param() + " item(s)"
	case "oneof":
		msg = "must be one of " + fe.Param()
	default:
		msg = "failed " + fe.Tag() + " validation"
	}
	return field, msg, true
}
