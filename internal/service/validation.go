package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"clubledger/internal/apperr"
)

// validate checks the same `binding` tags gin checks at the HTTP edge, so
// service callers that bypass HTTP get identical rules.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.Field(fe.Field(), reason(fe))
	}
	return apperr.Validation("%v", err)
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "url":
		return "must be a URL"
	}
	return "is invalid (" + fe.Tag() + ")"
}

// checkAmount rejects zero amounts and amounts with more than two decimals.
func checkAmount(field string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return apperr.Field(field, "must not be zero")
	}
	if !amount.Equal(amount.Round(2)) {
		return apperr.Field(field, "must have at most 2 decimal places")
	}
	if amount.Abs().GreaterThanOrEqual(decimal.New(1, 10)) {
		return apperr.Field(field, "is too large")
	}
	return nil
}
