// Package logger provides process-wide leveled logging, backed by
// logrus with daily-rotated files alongside stdout.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/sirupsen/logrus"
)

// Settings configures where and how logs are written.
type Settings struct {
	Path       string
	Name       string
	Ext        string
	TimeFormat string
}

var log = logrus.New()

// Setup wires logrus to also write rotated files under settings.Path,
// one new file per settings.TimeFormat period, alongside stdout.
func Setup(settings *Settings) {
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if settings == nil || settings.Path == "" {
		log.SetOutput(os.Stdout)
		return
	}
	if err := os.MkdirAll(settings.Path, 0755); err != nil {
		log.SetOutput(os.Stdout)
		log.Warnf("logger: cannot create log dir %s: %v, falling back to stdout", settings.Path, err)
		return
	}

	pattern := filepath.Join(settings.Path, fmt.Sprintf("%s-%%Y-%%m-%%d.%s", settings.Name, settings.Ext))
	linkName := filepath.Join(settings.Path, fmt.Sprintf("%s.%s", settings.Name, settings.Ext))
	writer, err := rotatelogs.New(
		pattern,
		rotatelogs.WithLinkName(linkName),
		rotatelogs.WithMaxAge(30*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		log.SetOutput(os.Stdout)
		log.Warnf("logger: cannot open rotating log file: %v, falling back to stdout", err)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stdout, writer))
}

// WithField returns an entry carrying one structured field, for
// call sites that want to tag a log line with a session ID, dbname,
// or epoch without formatting it into the message text.
func WithField(key string, value interface{}) *logrus.Entry {
	return log.WithField(key, value)
}

func Debug(args ...interface{}) { log.Debug(args...) }
func Info(args ...interface{})  { log.Info(args...) }
func Warn(args ...interface{})  { log.Warn(args...) }
func Error(args ...interface{}) { log.Error(args...) }

func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
