package worker

import (
	"github.com/dmitrymomot/zonequeue/core/manager"
	"github.com/dmitrymomot/zonequeue/integration/queuestore"
)

type Config struct {
	Manager manager.Config
	Store   queuestore.Config

	AppName    string `env:"APP_NAME" envDefault:"zonequeue"`
	Env        string `env:"APP_ENV" envDefault:"development"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	HealthAddr string `env:"HEALTH_ADDR" envDefault:":8081"`
}
