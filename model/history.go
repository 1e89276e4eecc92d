package model

import "time"

// History represents a single recorded raptor suite execution
type History struct {
	// Unique ID for this execution (16 random bytes, hex encoded)
	ID string `json:"id"`
	// Phase that was run (e.g. "marionette", "reboot")
	Phase string `json:"phase"`
	// Timestamp when the execution started
	Timestamp time.Time `json:"timestamp"`
	// Command-line arguments (including command name)
	Args []string `json:"args"`
	// Working directory where command was run
	WorkDir string `json:"workdir"`
	// Exit code of the execution
	ExitCode int `json:"exit_code"`
	// Duration of execution
	Duration time.Duration `json:"duration"`
	// Git information of the working directory, if any
	Git *Git `json:"git,omitempty"`
	// Device the suite ran against
	Target *Target `json:"target,omitempty"`
	// Run options shared by all targets
	Options *RunOptions `json:"options,omitempty"`
	// Per-target outcome, in execution order
	Targets []TargetRun `json:"targets,omitempty"`
	// Artifacts generated during this run
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Git contains git repository information
type Git struct {
	// Git commit hash at time of execution
	Commit string `json:"commit,omitempty"`
	// Git branch at time of execution
	Branch string `json:"branch,omitempty"`
}

// Target describes the device under test
type Target struct {
	// SSH host the device is attached to, empty for a local adb
	RemoteHost string `json:"remote_host,omitempty"`
	// adb serial of the device
	Serial string `json:"serial,omitempty"`
	// Whether the device is an emulator
	Emulator bool `json:"emulator,omitempty"`
}

// RunOptions records the options a suite was started with
type RunOptions struct {
	Runs    int               `json:"runs"`
	Retries int               `json:"retries"`
	Timeout time.Duration     `json:"timeout"`
	Marks   map[string]string `json:"marks,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// TargetRun is the outcome of one suite target
type TargetRun struct {
	// App under test, empty when the suite ran without targets
	App string `json:"app,omitempty"`
	// Attempts made across all run indices
	Attempts int `json:"attempts"`
	// Runs that completed and were reported
	Succeeded int `json:"succeeded"`
	// Retries consumed
	Retries int `json:"retries"`
	// Error that aborted the target, if any
	Error string `json:"error,omitempty"`
}

// ArtifactType identifies the type of artifact
type ArtifactType uint8

const (
	ArtifactTypePprofProfile ArtifactType = iota
	ArtifactTypePoints
)

// String returns a short human readable name
func (t ArtifactType) String() string {
	switch t {
	case ArtifactTypePprofProfile:
		return "profile"
	case ArtifactTypePoints:
		return "points"
	}
	return "unknown"
}

// Artifact represents a file generated during execution
type Artifact struct {
	Type ArtifactType `json:"type"`
	Size uint64       `json:"size"`
	File string       `json:"file"` // relative to run dir
}
