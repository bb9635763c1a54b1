package dap

import (
	"encoding/json"
	"errors"
	"fmt"
)

// LaunchConfig is the collection of launch request attributes recognized by
// this debug adapter.
type LaunchConfig struct {
	// Path to the executable to debug. Required unless CoreDumpPath is set.
	Program string `json:"program,omitempty"`

	// Command line arguments passed to the debugged program.
	Args []string `json:"args,omitempty"`

	// Absolute path to the working directory of the program being debugged.
	Cwd string `json:"cwd,omitempty"`

	// Environment variables for the debugged program.
	Env map[string]string `json:"env,omitempty"`

	// Path to a core dump to examine instead of launching a process.
	// Execution control requests are rejected for core dump sessions.
	CoreDumpPath string `json:"coreDumpPath,omitempty"`

	LaunchAttachCommonConfig
}

// AttachConfig is the collection of attach request attributes recognized by
// this debug adapter.
type AttachConfig struct {
	// The numeric ID of the process to be debugged. Required and must not be 0.
	ProcessID int `json:"processId,omitempty"`

	LaunchAttachCommonConfig
}

// LaunchAttachCommonConfig is the attributes common in both launch/attach
// requests.
type LaunchAttachCommonConfig struct {
	// Automatically stop program after launch or attach.
	StopOnEntry bool `json:"stopOnEntry,omitempty"`

	// Restrict evaluation results and stepping to user code.
	// (Default: true)
	JustMyCode *bool `json:"justMyCode,omitempty"`

	// Only bind breakpoints in sources that exactly match the built binary.
	RequireExactSource bool `json:"requireExactSource,omitempty"`

	// Step over library and compiler-generated code.
	// (Default: true)
	EnableStepFiltering *bool `json:"enableStepFiltering,omitempty"`

	// Engine backend to use. Overrides the server-wide selection.
	Backend string `json:"backend,omitempty"`

	// An array of mappings from a local path (client) to the remote path
	// (engine). The adapter will replace the local path with the remote path
	// in all of the calls.
	SubstitutePath []SubstitutePath `json:"substitutePath,omitempty"`
}

// JustMyCodeOrDefault resolves the JustMyCode option, which defaults to true.
func (c LaunchAttachCommonConfig) JustMyCodeOrDefault() bool {
	return c.JustMyCode == nil || *c.JustMyCode
}

// StepFilteringOrDefault resolves the EnableStepFiltering option, which
// defaults to true.
func (c LaunchAttachCommonConfig) StepFilteringOrDefault() bool {
	return c.EnableStepFiltering == nil || *c.EnableStepFiltering
}

// SubstitutePath defines a mapping from a client path to an engine path.
// Both 'from' and 'to' must be specified and non-empty.
type SubstitutePath struct {
	// The client path to be replaced when passing paths to the engine.
	From string `json:"from,omitempty"`
	// The engine path to be replaced when passing paths back to the client.
	To string `json:"to,omitempty"`
}

func (m *SubstitutePath) UnmarshalJSON(data []byte) error {
	// use custom unmarshal to check if both from/to are set.
	type tmpType SubstitutePath
	var tmp tmpType

	if err := json.Unmarshal(data, &tmp); err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return fmt.Errorf(`cannot use %s as 'substitutePath' of type {"from":string, "to":string}`, data)
		}
		return err
	}
	if tmp.From == "" || tmp.To == "" {
		return errors.New("'substitutePath' requires both 'from' and 'to' entries")
	}
	*m = SubstitutePath(tmp)
	return nil
}

// unmarshalLaunchAttachArgs wraps unmarshalling of launch/attach request's
// arguments attribute. Upon unmarshal failure, it returns an error massaged
// to be suitable for end-users.
func unmarshalLaunchAttachArgs(input json.RawMessage, config interface{}) error {
	if err := json.Unmarshal(input, config); err != nil {
		if uerr, ok := err.(*json.UnmarshalTypeError); ok {
			// Format json.UnmarshalTypeError error string in our own way. E.g.,
			//   "json: cannot unmarshal number into Go struct field LaunchConfig.substitutePath of type dap.SubstitutePath"
			//   => "cannot unmarshal number into 'substitutePath' of type {from:string, to:string}"
			typ := uerr.Type.String()
			if uerr.Field == "substitutePath" {
				typ = `{"from":string, "to":string}`
			}
			return fmt.Errorf("cannot unmarshal %v into %q of type %v", uerr.Value, uerr.Field, typ)
		}
		return err
	}
	return nil
}
