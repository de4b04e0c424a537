// Package sitemon schedules registered site monitors.
//
// A Registry holds monitor definitions together with an IntervalChecker each.
// The Scheduler wakes once per repeat period, asks the registry which monitors
// are due and dispatches one Job per due monitor through the bounded task
// engine. A tick's wave completes before the next tick dispatches.
package sitemon
