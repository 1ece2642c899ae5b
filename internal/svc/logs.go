package svc

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// LogOptions configures log viewing.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// LogCommand returns the command that shows the service's logs on goos.
func LogCommand(goos string, opts LogOptions) ([]string, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultName
	}
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	lines := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		args := []string{"journalctl", "-u", opts.ServiceName, "-n", lines, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return args, nil
	case "darwin":
		// launchd writes the service's output to these files.
		outLog := fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName)
		errLog := fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName)
		args := []string{"tail", "-n", lines}
		if opts.Follow {
			args = append(args, "-f")
		}
		return append(args, outLog, errLog), nil
	default:
		return nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}

// ViewLogs runs LogCommand attached to the terminal.
func ViewLogs(goos string, opts LogOptions) error {
	args, err := LogCommand(goos, opts)
	if err != nil {
		return err
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
