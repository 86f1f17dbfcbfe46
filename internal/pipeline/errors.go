// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

// Package pipeline drives the provisioning run end to end: tool
// prerequisites, artifact acquisition, device bring-up, install and launch.
package pipeline

import "fmt"

// Stage names one phase of a run.
type Stage string

const (
	StagePrerequisites Stage = "prerequisites"
	StageAcquire       Stage = "acquire"
	StageDevice        Stage = "device"
	StageInstall       Stage = "install"
	StageLaunch        Stage = "launch"
)

// RunMode selects what happens after the application is in the foreground.
type RunMode int

const (
	// Detached prints the device serial and leaves everything running.
	Detached RunMode = iota
	// Attached follows the device log until interrupted, then tears the
	// device down.
	Attached
)

func (m RunMode) String() string {
	switch m {
	case Detached:
		return "detached"
	case Attached:
		return "attached"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// StageError wraps a failure with the stage it happened in and the last
// stage that completed, so callers can tell how far the run got.
type StageError struct {
	Stage    Stage
	LastGood Stage
	Err      error
}

func (e *StageError) Error() string {
	if e.LastGood == "" {
		return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s failed (completed through %s): %v", e.Stage, e.LastGood, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
