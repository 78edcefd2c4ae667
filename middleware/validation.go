package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// PhoneLength is the number of digits a phone number must have.
const PhoneLength = 11

// RegisterValidators adds the custom binding rules to gin's validator.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
	}
	return v.RegisterValidation("phone", validPhone)
}

func validPhone(fl validator.FieldLevel) bool {
	return IsPhone(fl.Field().String())
}

// IsPhone reports whether s is exactly PhoneLength ASCII digits.
func IsPhone(s string) bool {
	if len(s) != PhoneLength {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
