package request

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/edvin/boosterclub/internal/platform"
)

var validate = validator.New()

func init() {
	validate.RegisterValidation("runid", func(fl validator.FieldLevel) bool {
		return platform.ValidID(fl.Field().String())
	})
}

// maxBodyBytes caps request bodies; every request here is a small JSON object.
const maxBodyBytes = 1 << 20

func Decode(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

func RequireID(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("missing required ID")
	}
	if !platform.ValidID(s) {
		return "", fmt.Errorf("invalid ID %q", s)
	}
	return s, nil
}
