package obslog

import "testing"

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
	}{
		{name: "json output", jsonOutput: true},
		{name: "console output", jsonOutput: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger = nil
			JSONOutput = false

			if err := Initialize(tt.jsonOutput); err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}
			if Logger == nil {
				t.Fatal("Initialize() did not set global Logger")
			}
			if JSONOutput != tt.jsonOutput {
				t.Errorf("JSONOutput = %v, want %v", JSONOutput, tt.jsonOutput)
			}
			_ = Logger.Sync()
			Logger = nil
		})
	}
}

func TestNamedScopesLogger(t *testing.T) {
	if err := Initialize(false); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	sub := Named("supervisor")
	if sub == nil {
		t.Fatal("Named() returned nil")
	}
}

func TestVerbosityToLevel(t *testing.T) {
	cases := map[int]string{
		VerbosityUser:  "warn",
		VerbosityInfo:  "info",
		VerbosityDebug: "debug",
		5:              "debug",
	}
	for verbosity, want := range cases {
		if got := VerbosityToLevel(verbosity).String(); got != want {
			t.Errorf("VerbosityToLevel(%d) = %s, want %s", verbosity, got, want)
		}
	}
}

func TestTagwDoesNotPanicBeforeInitialize(t *testing.T) {
	Logger = nil
	Tagw(EventCallDispatch, "call dispatched", "call_id", "c_1")
}
