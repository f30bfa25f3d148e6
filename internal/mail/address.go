package mail

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// AddressValidator checks recipient syntax. It does not talk to DNS or the relay.
type AddressValidator struct {
	validate *validator.Validate
}

func NewAddressValidator() *AddressValidator {
	return &AddressValidator{validate: validator.New()}
}

// Validate returns an error if addr is not a syntactically valid single address.
func (v *AddressValidator) Validate(addr string) error {
	if strings.TrimSpace(addr) != addr || strings.ContainsAny(addr, "\r\n,;") {
		return fmt.Errorf("invalid address %q", addr)
	}
	if err := v.validate.Var(addr, "required,email"); err != nil {
		return fmt.Errorf("invalid address %q", addr)
	}
	return nil
}
