package dap

import (
	"encoding/json"
	"testing"
)

func TestUnmarshalLaunchAttachArgs(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name:  "minimal",
			input: `{"program":"/bin/true"}`,
		},
		{
			name:  "common options",
			input: `{"program":"/bin/true","stopOnEntry":true,"justMyCode":false,"substitutePath":[{"from":"/a","to":"/b"}]}`,
		},
		{
			name:    "wrong program type",
			input:   `{"program":12}`,
			wantErr: `cannot unmarshal number into "program" of type string`,
		},
		{
			name:    "wrong substitutePath type",
			input:   `{"program":"/bin/true","substitutePath":[123]}`,
			wantErr: `cannot use 123 as 'substitutePath' of type {"from":string, "to":string}`,
		},
		{
			name:    "substitutePath missing to",
			input:   `{"program":"/bin/true","substitutePath":[{"from":"/a"}]}`,
			wantErr: `'substitutePath' requires both 'from' and 'to' entries`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var config LaunchConfig
			err := unmarshalLaunchAttachArgs(json.RawMessage(tc.input), &config)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("got error %q, want success", err)
				}
				return
			}
			if err == nil || err.Error() != tc.wantErr {
				t.Errorf("got error %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestStopOnEntryWireKey(t *testing.T) {
	// The client sends "stopOnEntry"; make sure the launch config
	// actually picks it up under that key.
	var config LaunchConfig
	input := json.RawMessage(`{"program":"/bin/true","stopOnEntry":true}`)
	if err := unmarshalLaunchAttachArgs(input, &config); err != nil {
		t.Fatal(err)
	}
	if !config.StopOnEntry {
		t.Error("stopOnEntry was not decoded from the launch arguments")
	}
}

func TestCommonConfigDefaults(t *testing.T) {
	var cfg LaunchAttachCommonConfig
	if !cfg.JustMyCodeOrDefault() {
		t.Error("justMyCode unset: got false, want default true")
	}
	if !cfg.StepFilteringOrDefault() {
		t.Error("enableStepFiltering unset: got false, want default true")
	}

	off := false
	cfg.JustMyCode = &off
	cfg.EnableStepFiltering = &off
	if cfg.JustMyCodeOrDefault() || cfg.StepFilteringOrDefault() {
		t.Error("explicit false options were overridden by defaults")
	}
}
