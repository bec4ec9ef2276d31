// Package logging configures the process-wide logrus logger, its optional
// rotating file output, the gin request middleware and the sinks that turn
// child process output into log lines.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogFileName = "sharetunnel.log"

var (
	setupOnce  sync.Once
	outputMu   sync.Mutex
	fileOutput *lumberjack.Logger
)

// SetupBaseLogger installs the text formatter and the global ring buffer hook.
// It is safe to call more than once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
		log.AddHook(GlobalBuffer)
	})
}

// SetLogLevel maps a user facing level name onto logrus. Unknown names fall
// back to info; "quiet" and "silent" only let fatal messages through.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// ConfigureLogOutput switches the logger between stdout and a size-rotated file
// inside dir. maxSizeMB <= 0 keeps lumberjack's default of 100 MB.
func ConfigureLogOutput(toFile bool, dir string, maxSizeMB int) error {
	outputMu.Lock()
	defer outputMu.Unlock()

	if !toFile {
		closeFileOutputLocked()
		log.SetOutput(os.Stdout)
		return nil
	}

	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	closeFileOutputLocked()
	fileOutput = &lumberjack.Logger{
		Filename:   filepath.Join(dir, defaultLogFileName),
		MaxSize:    maxSizeMB,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileOutput))
	return nil
}

// CloseLogOutput flushes and closes the rotating file, if any.
func CloseLogOutput() {
	outputMu.Lock()
	defer outputMu.Unlock()
	closeFileOutputLocked()
}

func closeFileOutputLocked() {
	if fileOutput == nil {
		return
	}
	_ = fileOutput.Close()
	fileOutput = nil
}
