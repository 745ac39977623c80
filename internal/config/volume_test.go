package config

import "testing"

func TestScratchVolumeName(t *testing.T) {
	got := ScratchVolumeName("node1", 42)
	want := "vantage6-node1-result-42-tmp"
	if got != want {
		t.Errorf("ScratchVolumeName() = %q, want %q", got, want)
	}
}
