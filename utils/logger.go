package utils

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var Logger = logrus.New()

// appFieldHook tags every entry with the application name.
type appFieldHook struct {
	appName string
}

func (h *appFieldHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *appFieldHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["app"]; !ok {
		entry.Data["app"] = h.appName
	}
	return nil
}

// InitLogger configures Logger from LOG_LEVEL (default info) and LOG_FORMAT
// ("text" or "json", default text).
func InitLogger(appName string) {
	Logger.SetOutput(os.Stdout)

	logLevelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		Logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to INFO", logLevelStr)
		level = logrus.InfoLevel
	}
	Logger.SetLevel(level)

	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	Logger.AddHook(&appFieldHook{appName})
}

// ForComponent returns an entry of Logger tagged with the component name.
func ForComponent(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}
