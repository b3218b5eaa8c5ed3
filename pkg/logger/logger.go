package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func init() {
	if _, err := NewLogger(buildConfig(os.Getenv("LOG_ENV"), "")); err != nil {
		panic(err)
	}
}

// Configure rebuilds the package logger once the application config is known.
// An empty level keeps the environment default.
func Configure(env string, level string) error {
	_, err := NewLogger(buildConfig(env, level))
	return err
}

func buildConfig(env string, level string) zap.Config {
	var config zap.Config
	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	if level != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(level)); err == nil {
			config.Level = zap.NewAtomicLevelAt(l)
		}
	}
	return config
}

func Info(msg string, values ...any) {
	pkgLogger().Info(msg, values...)
}

func Warn(msg string, values ...any) {
	pkgLogger().Warn(msg, values...)
}

func Error(msg string, values ...any) {
	pkgLogger().Error(msg, values...)
}

func Debug(msg string, values ...any) {
	pkgLogger().Debug(msg, values...)
}
