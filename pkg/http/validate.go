package http

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report fields by the name clients send
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"query", "json", "param"} {
			name := strings.Split(f.Tag.Get(tag), ",")[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	// duration: a positive Go duration string such as 15m or 1h
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	return v
}

// ReadAndValidateRequest binds query, path and body into req, fills
// `default` tags and validates. It returns nil when req is valid.
func ReadAndValidateRequest(c echo.Context, req interface{}) []ValidationError {
	if err := c.Bind(req); err != nil {
		return toValidationErrors(err)
	}
	if err := defaults.Set(req); err != nil {
		return toValidationErrors(err)
	}
	if err := validate.StructCtx(c.Request().Context(), req); err != nil {
		return toValidationErrors(err)
	}
	return nil
}

func toValidationErrors(err error) []ValidationError {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		out := make([]ValidationError, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			out = append(out, ValidationError{
				Code:    "ERR_" + strings.ToUpper(fe.Tag()),
				Field:   fe.Field(),
				Message: fieldMessage(fe),
				Params:  fieldParams(fe),
			})
		}
		return out
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return []ValidationError{{Code: "ERR_BIND", Message: fmt.Sprintf("%v", he.Message)}}
	}
	return []ValidationError{{Code: "ERR_UNKNOWN", Message: err.Error()}}
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "duration":
		return fmt.Sprintf("%s must be a positive duration such as 15m or 1h", field)
	case "min", "gte":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

func fieldParams(fe validator.FieldError) map[string]interface{} {
	switch fe.Tag() {
	case "min", "gte":
		return map[string]interface{}{"min": fe.Param()}
	case "max", "lte":
		return map[string]interface{}{"max": fe.Param()}
	case "gt", "lt":
		return map[string]interface{}{"value": fe.Param()}
	case "oneof":
		return map[string]interface{}{"options": strings.Split(fe.Param(), " ")}
	}
	return nil
}
