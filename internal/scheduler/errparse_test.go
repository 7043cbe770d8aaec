package scheduler

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseStderr(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantLine string
		wantOOM  bool
	}{
		{"empty", "", "-", false},
		{"blank lines", "\n  \n", "-", false},
		{"last line fallback", "starting\nsomething odd\n\n", "something odd", false},
		{
			"python traceback",
			"Traceback (most recent call last):\n  File \"x.py\", line 1\nValueError: bad value\n",
			"ValueError: bad value", false,
		},
		{
			"bottom-most marker wins",
			"error: first\nnoise\nRuntimeError: second\nexit\n",
			"RuntimeError: second", false,
		},
		{"memory error", "Traceback\nMemoryError\n", "MemoryError", true},
		{
			"slurm memory limit",
			"slurmstepd: error: Detected 1 oom-kill event(s) in step 12.batch cgroup.\n",
			"slurmstepd: error: Detected 1 oom-kill event(s) in step 12.batch cgroup.", true,
		},
		{
			"exceeded memory limit",
			"slurmstepd: Job 1 exceeded memory limit at some point.\n",
			"slurmstepd: Job 1 exceeded memory limit at some point.", true,
		},
		{"malloc", "x: malloc(): corrupted top size\n", "x: malloc(): corrupted top size", true},
		{"out of memory", "CUDA Out Of Memory\n", "CUDA Out Of Memory", true},
		{"assertion", "AssertionError\nbye\n", "AssertionError", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, oom := ParseStderr(tt.text)
			if line != tt.wantLine || oom != tt.wantOOM {
				t.Errorf("ParseStderr() = (%q, %v), want (%q, %v)", line, oom, tt.wantLine, tt.wantOOM)
			}
		})
	}
}

func TestReadErrorFile(t *testing.T) {
	dir := t.TempDir()
	if line, _ := ReadErrorFile(filepath.Join(dir, "missing.err")); line != "-" {
		t.Errorf("missing file: line = %q", line)
	}
	path := filepath.Join(dir, "x.1.err")
	if err := os.WriteFile(path, []byte("KeyError: 'a'\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if line, oom := ReadErrorFile(path); line != "KeyError: 'a'" || oom {
		t.Errorf("ReadErrorFile = (%q, %v)", line, oom)
	}
}
