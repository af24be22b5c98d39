package validation

import (
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// New returns a validator with the notblank tag registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// whitespace-only input is rejected the same way as empty input
	_ = v.RegisterValidation("notblank", validators.NotBlank)

	return v
}
