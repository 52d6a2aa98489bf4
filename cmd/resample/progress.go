package main

import (
	"github.com/pterm/pterm"

	"github.com/banshee-data/resample/internal/monitoring"
)

// progressFactory starts a progress display for total steps. The returned
// step func is called after each step; done stops the display.
type progressFactory func(title string, total int) (step func(done, total int), done func())

var ptermProgress progressFactory = func(title string, total int) (func(int, int), func()) {
	if total <= 0 {
		return func(int, int) {}, func() {}
	}
	bar, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle(title).
		WithRemoveWhenDone(true).
		Start()
	if err != nil {
		monitoring.Logf("[progress] disabled: %v", err)
		return func(int, int) {}, func() {}
	}
	return func(int, int) { bar.Increment() }, func() { _, _ = bar.Stop() }
}

func noProgress(string, int) (func(int, int), func()) {
	return func(int, int) {}, func() {}
}
