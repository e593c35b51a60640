package policy

import (
	"context"
	"testing"
)

func TestDefaultPolicyDecisions(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	cases := []struct {
		name        string
		destination string
		want        string
	}{
		{"e164 number", "+15550001111", DecisionAllow},
		{"sip uri", "sip:agent@pbx.example.com", DecisionAllow},
		{"bare extension", "1234", DecisionBlock},
		{"http url", "http://evil.example.com", DecisionBlock},
		{"empty destination", "", DecisionBlock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.EvaluateForward(ctx, ForwardInput{
				Industry:    "retail",
				Department:  "sales",
				Destination: tc.destination,
				Recorded:    true,
			})
			if err != nil {
				t.Fatalf("EvaluateForward failed: %v", err)
			}
			if got != tc.want {
				t.Fatalf("destination %q: got %s, want %s", tc.destination, got, tc.want)
			}
		})
	}
}

func TestNewEngineRejectsBadPolicy(t *testing.T) {
	if _, err := NewEngine(context.Background(), "package broken {{{"); err == nil {
		t.Fatal("expected error for malformed policy")
	}
}
