package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func findArg(args []string, target string) int {
	for i, arg := range args {
		if arg == target {
			return i
		}
	}
	return -1
}

func setHelperCommand(t *testing.T, mode string) *[]string {
	t.Helper()
	var capturedArgs []string
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		capturedArgs = append([]string(nil), args...)
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", fmt.Sprintf("FFMPEG_HELPER_MODE=%s", mode))
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
	return &capturedArgs
}

func TestCLIEncodeBuildsExpectedArgs(t *testing.T) {
	captured := setHelperCommand(t, "success")

	cli := NewCLI(WithVideoCodec("libx265"))
	tempDir := t.TempDir()
	input := filepath.Join(tempDir, "source.mkv")
	output := filepath.Join(tempDir, "out.mkv")

	if err := cli.Encode(context.Background(), input, output); err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	args := *captured
	if idx := findArg(args, "-c:v"); idx == -1 || args[idx+1] != "libx265" {
		t.Fatalf("expected codec override in args, got %v", args)
	}
	if findArg(args, "-progress") == -1 {
		t.Fatalf("expected -progress in args, got %v", args)
	}
	if args[len(args)-1] != output {
		t.Fatalf("expected output path last, got %v", args)
	}
}

func TestCLIEncodeReportsProgress(t *testing.T) {
	setHelperCommand(t, "success")

	var updates []ProgressUpdate
	cli := NewCLI(WithProgress(func(update ProgressUpdate) {
		updates = append(updates, update)
	}))
	tempDir := t.TempDir()

	err := cli.Encode(context.Background(), filepath.Join(tempDir, "in.mkv"), filepath.Join(tempDir, "out.mkv"))
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 progress updates, got %d", len(updates))
	}
	if updates[0].OutTime != 90*time.Second {
		t.Fatalf("expected out time 90s, got %s", updates[0].OutTime)
	}
	if updates[1].Speed != "3.1x" {
		t.Fatalf("expected speed 3.1x, got %q", updates[1].Speed)
	}
}

func TestCLIEncodeFailure(t *testing.T) {
	setHelperCommand(t, "failure")

	cli := NewCLI()
	tempDir := t.TempDir()
	err := cli.Encode(context.Background(), filepath.Join(tempDir, "in.mkv"), filepath.Join(tempDir, "out.mkv"))
	if err == nil {
		t.Fatal("expected encode failure error")
	}
}

func TestCLIEncodeRejectsEmptyPaths(t *testing.T) {
	cli := NewCLI()
	if err := cli.Encode(context.Background(), "", "out.mkv"); err == nil {
		t.Fatal("expected error for empty input")
	}
	if err := cli.Encode(context.Background(), "in.mkv", ""); err == nil {
		t.Fatal("expected error for empty output")
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("FFMPEG_HELPER_MODE") {
	case "success":
		fmt.Println("out_time_us=90000000")
		fmt.Println("speed=2.5x")
		fmt.Println("progress=continue")
		fmt.Println("out_time_us=180000000")
		fmt.Println("speed=3.1x")
		fmt.Println("progress=end")
		os.Exit(0)
	case "failure":
		fmt.Println("Error while opening encoder")
		os.Exit(1)
	}
	os.Exit(0)
}
