package types_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/atlas-desktop/signal-relay/pkg/types"
)

func TestParseSide(t *testing.T) {
	tests := []struct {
		word string
		want types.Side
		ok   bool
	}{
		{"long", types.SideLong, true},
		{"BUY", types.SideLong, true},
		{"Lång", types.SideLong, true},
		{"short", types.SideShort, true},
		{" sell ", types.SideShort, true},
		{"KORT", types.SideShort, true},
		{"hold", "", false},
	}
	for _, tt := range tests {
		got, ok := types.ParseSide(tt.word)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseSide(%q) = %q, %v; want %q, %v", tt.word, got, ok, tt.want, tt.ok)
		}
	}
	if types.SideLong.Opposite() != types.SideShort || types.SideShort.Opposite() != types.SideLong {
		t.Error("Opposite must swap LONG and SHORT")
	}
}

func TestParsedSignalJSONTargets(t *testing.T) {
	sl := 44000.0
	sig := types.ParsedSignal{
		Symbol:     "BTCUSDT",
		Side:       types.SideLong,
		EntryPrice: 45500,
		SLPrice:    &sl,
		Targets:    []float64{47000, 48000},
		Confidence: 1,
		HasTargets: true,
		HasSL:      true,
	}

	data, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal into map failed: %v", err)
	}
	if raw["tp1"] != 47000.0 || raw["tp2"] != 48000.0 {
		t.Errorf("Expected tp1/tp2 keys, got %s", data)
	}
	if _, ok := raw["tp3"]; ok {
		t.Errorf("Unset target slots must be omitted, got %s", data)
	}
	if _, ok := raw["is_inverted"]; ok {
		t.Errorf("Non-inverted signal must omit is_inverted, got %s", data)
	}

	var back types.ParsedSignal
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(back.Targets) != 2 || back.Targets[1] != 48000 {
		t.Errorf("Expected targets restored, got %v", back.Targets)
	}
}

func TestParsedSignalJSONStopsAtGap(t *testing.T) {
	var sig types.ParsedSignal
	if err := json.Unmarshal([]byte(`{"symbol":"ETHUSDT","side":"SHORT","tp1":1,"tp3":3}`), &sig); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(sig.Targets) != 1 {
		t.Errorf("Expected targets to stop at the first gap, got %v", sig.Targets)
	}
}

func TestParsedSignalJSONCapsTargets(t *testing.T) {
	sig := types.ParsedSignal{Targets: []float64{1, 2, 3, 4, 5, 6, 7}}
	data, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), "tp7") || !strings.Contains(string(data), `"tp6":6`) {
		t.Errorf("Expected exactly six target slots, got %s", data)
	}
}
