// Package obs configures process-wide logging.
package obs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// errorLogHook mirrors warn-and-above entries into a rotating file so that
// failures survive a restart even when stdout is not captured.
type errorLogHook struct {
	writer    io.Writer
	formatter logrus.Formatter
}

func (h *errorLogHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (h *errorLogHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

// Setup configures logrus for the process: level from config, timestamps on,
// and an optional rotating error log under logDir.
func Setup(level string, logDir string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if logDir == "" {
		return nil
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "relaypool-error.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 10,
		MaxAge:     30, // days
		Compress:   true,
	}
	logrus.AddHook(&errorLogHook{
		writer: rotating,
		formatter: &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			DisableColors:   true,
		},
	})
	return nil
}
