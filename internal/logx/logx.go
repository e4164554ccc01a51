// Package logx centralizes leveled logging so internal/bow and internal/sel
// log through one small package instead of ad hoc log.Println calls.
// Warnings and errors are highlighted with github.com/fatih/color.
package logx

import (
	"log"

	"github.com/fatih/color"
)

var (
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)

	// Debug gates debug-level output; off by default.
	Debug = false
)

// Infof logs an informational line.
func Infof(format string, args ...any) {
	log.Printf(format, args...)
}

// Warnf logs a warning line, highlighted in yellow.
func Warnf(format string, args ...any) {
	log.Print(warnColor.Sprintf(format, args...))
}

// Errorf logs an error line, highlighted in red.
func Errorf(format string, args ...any) {
	log.Print(errorColor.Sprintf(format, args...))
}

// Debugf logs a debug line only when Debug is enabled.
func Debugf(format string, args ...any) {
	if Debug {
		log.Printf(format, args...)
	}
}
