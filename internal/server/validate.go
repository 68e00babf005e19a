package server

import (
	"errors"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/manash/imgstudio/pkg/models"
)

var (
	registerOnce sync.Once
	registerErr  error
)

// registerValidations adds the resolution and aspect_ratio binding tags to
// gin's validator.
func registerValidations() error {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerErr = errors.New("unexpected binding validator engine")
			return
		}
		if err := v.RegisterValidation("resolution", func(fl validator.FieldLevel) bool {
			return models.Resolution(fl.Field().String()).IsValid()
		}); err != nil {
			registerErr = err
			return
		}
		registerErr = v.RegisterValidation("aspect_ratio", func(fl validator.FieldLevel) bool {
			return models.AspectRatio(fl.Field().String()).IsValid()
		})
	})
	return registerErr
}
