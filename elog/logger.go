// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package elog is Emerald's structured logger: a thin, key-value wrapper
// around log/slog with a color-aware terminal handler and an optional
// rotating file handler, in the style of go-ethereum's log package
// (log.Info("msg", "k", v, ...), log.Crit for fatal startup errors).
package elog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors go-ethereum's log.Lvl* constants.
type Level int

const (
	LvlCrit Level = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LvlCrit, LvlError:
		return slog.LevelError
	case LvlWarn:
		return slog.LevelWarn
	case LvlDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Logger is a leveled, structured logger.
type Logger struct {
	h     slog.Handler
	level Level
}

var def = New(LvlInfo, NewTerminalHandler(os.Stderr, autoColor(os.Stderr)))

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) { def = l }

// New builds a Logger writing through h at or above level.
func New(level Level, h slog.Handler) *Logger {
	return &Logger{h: h, level: level}
}

// NewTerminalHandler renders colorized "key=value" lines when useColor is
// true, matching go-ethereum's NewTerminalHandler(os.Stderr, true) call.
func NewTerminalHandler(w io.Writer, useColor bool) slog.Handler {
	if useColor {
		w = colorable.NewColorable(toFile(w))
	}
	return &terminalHandler{w: w, color: useColor}
}

// NewFileHandler returns a handler that writes plain "key=value" lines to a
// size/age-rotated file via lumberjack, for long-running nodes.
func NewFileHandler(path string, maxSizeMB, maxBackups, maxAgeDays int) slog.Handler {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return &terminalHandler{w: lj, color: false}
}

// MultiHandler fans out to every handler given.
type MultiHandler struct{ handlers []slog.Handler }

func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (m *MultiHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: out}
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: out}
}

type terminalHandler struct {
	w     io.Writer
	color bool
	attrs []slog.Attr
}

func (t *terminalHandler) Enabled(context.Context, slog.Level) bool { return true }

func (t *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.Format("2006-01-02T15:04:05.000")
	lvl := levelString(r.Level, t.color)
	line := fmt.Sprintf("%s [%s] %s", ts, lvl, r.Message)
	for _, a := range t.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})
	_, err := fmt.Fprintln(t.w, line)
	return err
}

func (t *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &terminalHandler{w: t.w, color: t.color}
	n.attrs = append(append([]slog.Attr{}, t.attrs...), attrs...)
	return n
}

func (t *terminalHandler) WithGroup(string) slog.Handler { return t }

func levelString(l slog.Level, useColor bool) string {
	var s string
	var c *color.Color
	switch {
	case l >= slog.LevelError:
		s, c = "ERRO", color.New(color.FgRed)
	case l >= slog.LevelWarn:
		s, c = "WARN", color.New(color.FgYellow)
	case l >= slog.LevelInfo:
		s, c = "INFO", color.New(color.FgGreen)
	default:
		s, c = "DBUG", color.New(color.FgCyan)
	}
	if !useColor {
		return s
	}
	return c.Sprint(s)
}

func autoColor(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func toFile(w io.Writer) *os.File {
	if f, ok := w.(*os.File); ok {
		return f
	}
	return os.Stderr
}

func (l *Logger) log(lvl Level, msg string, kv ...any) {
	if lvl > l.level {
		return
	}
	r := slog.NewRecord(time.Now(), lvl.slogLevel(), msg, 0)
	r.Add(kv...)
	_ = l.h.Handle(context.Background(), r)
}

func (l *Logger) Debug(msg string, kv ...any) { l.log(LvlDebug, msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(LvlInfo, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(LvlWarn, msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.log(LvlError, msg, kv...) }

// Crit logs at error level and terminates the process, for unrecoverable
// startup failures.
func (l *Logger) Crit(msg string, kv ...any) {
	l.log(LvlCrit, msg, kv...)
	os.Exit(1)
}

func Debug(msg string, kv ...any) { def.Debug(msg, kv...) }
func Info(msg string, kv ...any)  { def.Info(msg, kv...) }
func Warn(msg string, kv ...any)  { def.Warn(msg, kv...) }
func Error(msg string, kv ...any) { def.Error(msg, kv...) }
func Crit(msg string, kv ...any)  { def.Crit(msg, kv...) }
