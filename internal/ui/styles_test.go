package ui

import (
	"bytes"
	"strings"
	"testing"
)

func TestPlainOutputWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf)

	if got := RenderPass("✓"); got != "✓" {
		t.Errorf("RenderPass = %q, want unstyled", got)
	}
}

func TestTable(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf)

	Table(&buf, []string{"ID", "REASON", "AMOUNT"}, [][]string{
		{"e-1", "Injera", "120"},
		{"pending_17", "Taxi", "45.50"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if lines[0] != "ID          REASON  AMOUNT" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[2] != "pending_17  Taxi    45.50" {
		t.Errorf("row = %q", lines[2])
	}
}

func TestBar(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf)

	tests := []struct {
		value, max float64
		want       int
	}{
		{0, 100, 0},
		{50, 100, 10},
		{100, 100, 20},
		{0.1, 100, 1},
		{500, 100, 20},
	}
	for _, tt := range tests {
		if got := len([]rune(Bar(tt.value, tt.max, 20))); got != tt.want {
			t.Errorf("Bar(%v, %v) has %d cells, want %d", tt.value, tt.max, got, tt.want)
		}
	}
}
