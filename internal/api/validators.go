package api

import (
	"strings"
	"sync"

	"genmarket/internal/entity"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

var registerValidatorsOnce sync.Once

// registerValidators 在 gin 的校验引擎上注册自定义规则，多次调用只生效一次
func registerValidators() {
	registerValidatorsOnce.Do(func() {
		engine, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			logrus.Warn("binding validator is not go-playground/validator, custom rules skipped")
			return
		}
		if err := engine.RegisterValidation("task_type", validateTaskType); err != nil {
			logrus.WithError(err).Error("register task_type validator failed")
		}
		if err := engine.RegisterValidation("provider_driver", validateProviderDriver); err != nil {
			logrus.WithError(err).Error("register provider_driver validator failed")
		}
	})
}

func validateTaskType(fl validator.FieldLevel) bool {
	_, ok := entity.ParseTaskType(fl.Field().String())
	return ok
}

func validateProviderDriver(fl validator.FieldLevel) bool {
	return entity.KnownDriver(strings.ToLower(strings.TrimSpace(fl.Field().String())))
}
