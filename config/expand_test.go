package config

import (
	"os"
	"testing"
)

func TestExpandPercentVars(t *testing.T) {
	os.Setenv("LP_TEST_HOME", "/opt/helper")
	defer os.Unsetenv("LP_TEST_HOME")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no vars", "plain/path", "plain/path"},
		{"single var", "%LP_TEST_HOME%/bin/helper", "/opt/helper/bin/helper"},
		{"unknown var left untouched", "%NOT_SET_XYZ%/bin", "%NOT_SET_XYZ%/bin"},
		{"unterminated percent", "50% done", "50% done"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExpandPercentVars(tt.input)
			if got != tt.expected {
				t.Errorf("ExpandPercentVars(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestExpandProcess(t *testing.T) {
	os.Setenv("LP_TEST_DIR", "/srv/app")
	defer os.Unsetenv("LP_TEST_DIR")

	p := &ProcessConfig{
		FileName:         "%LP_TEST_DIR%/run.exe",
		Arguments:        []string{"--root", "%LP_TEST_DIR%/data"},
		WorkingDirectory: "%LP_TEST_DIR%",
	}

	expanded := ExpandProcess(p)

	if expanded.FileName != "/srv/app/run.exe" {
		t.Errorf("FileName = %q", expanded.FileName)
	}
	if expanded.WorkingDirectory != "/srv/app" {
		t.Errorf("WorkingDirectory = %q", expanded.WorkingDirectory)
	}
	if expanded.Arguments[1] != "/srv/app/data" {
		t.Errorf("Arguments[1] = %q", expanded.Arguments[1])
	}

	// Original must be untouched.
	if p.FileName != "%LP_TEST_DIR%/run.exe" {
		t.Errorf("original FileName mutated: %q", p.FileName)
	}
}
