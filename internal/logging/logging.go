// Package logging builds the process logger: a human console sink and a
// rotating JSON file sink.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the log file created inside Options.Dir.
const FileName = "gorsnapshot.log"

// Rotation limits for the file sink.
const (
	maxSizeMB  = 10
	maxBackups = 10
)

// Options controls logger construction.
type Options struct {
	Debug bool
	JSON  bool
	// Dir enables the file sink when non-empty.
	Dir string
	// Console defaults to os.Stderr.
	Console io.Writer
}

// Setup returns a logger writing to the console at info (or debug) level and,
// when Options.Dir is set, to a rotating file at debug level. The returned
// closer flushes and closes the file sink.
func Setup(opts Options) (zerolog.Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	consoleLevel := zerolog.InfoLevel
	if opts.Debug {
		consoleLevel = zerolog.DebugLevel
	}

	masked := falseMasker{w: console}

	var consoleOut io.Writer
	if opts.JSON {
		consoleOut = masked
	} else {
		cw := zerolog.ConsoleWriter{Out: masked, TimeFormat: "15:04:05"}
		cw.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		consoleOut = cw
	}

	writers := []io.Writer{LevelFilter(consoleOut, consoleLevel)}
	closer := io.Closer(nopCloser{})

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("creating log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, FileName),
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		}
		writers = append(writers, LevelFilter(file, zerolog.DebugLevel))
		closer = file
	}

	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Int("pid", os.Getpid()).
		Logger()

	return logger, closer, nil
}

// LevelFilter drops events below min before they reach w.
func LevelFilter(w io.Writer, min zerolog.Level) zerolog.LevelWriter {
	return levelFilter{w: w, min: min}
}

type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

func (f levelFilter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.min {
		return len(p), nil
	}
	return f.w.Write(p)
}

// falseMasker replaces the literal False with F_alse in console output,
// whatever the console format.
type falseMasker struct {
	w io.Writer
}

var (
	falseWord = []byte("False")
	falseMask = []byte("F_alse")
)

func (m falseMasker) Write(p []byte) (int, error) {
	if !bytes.Contains(p, falseWord) {
		return m.w.Write(p)
	}
	if _, err := m.w.Write(bytes.ReplaceAll(p, falseWord, falseMask)); err != nil {
		return 0, err
	}
	return len(p), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
