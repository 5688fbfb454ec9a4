package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu          sync.Mutex
	development bool
	logFile     *os.File
	root        zerolog.Logger
	rootSet     bool
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
}

// SetDevelopment switches loggers returned by GetLogger to a human readable
// console writer. Must be called before the first GetLogger call.
func SetDevelopment(value bool) {
	mu.Lock()
	defer mu.Unlock()
	development = value
}

// SetLogFile adds a file writer alongside stderr. Must be called before the
// first GetLogger call.
func SetLogFile(file *os.File) {
	mu.Lock()
	defer mu.Unlock()
	logFile = file
}

// GetLogger returns a logger tagged with the given component name. All loggers
// share the same writers; the component tag is the only difference.
func GetLogger(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if !rootSet {
		root = newRoot()
		rootSet = true
	}
	return root.With().Str("component", component).Logger()
}

func newRoot() zerolog.Logger {
	var writers []io.Writer

	if development {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i any) string {
				return strings.ToUpper(fmt.Sprintf("[%5s]", i))
			},
			FormatCaller: func(i any) string {
				return filepath.Base(fmt.Sprintf("%s", i))
			},
		})
	} else {
		writers = append(writers, os.Stderr)
	}
	if logFile != nil {
		writers = append(writers, logFile)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	if development {
		logger = logger.With().Caller().Logger()
	}
	return logger
}
