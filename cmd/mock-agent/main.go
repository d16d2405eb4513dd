// Package main implements a stand-in agent runtime that speaks the
// stream-json protocol over stdin/stdout. It generates canned responses
// keyed off the prompt text, so agentd can be developed and end-to-end
// tested without the real runtime installed.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(2)
	}

	if opts.rewindTo != "" {
		// One-shot invocation: restore files to the checkpoint and exit
		// without opening a stream.
		if err := runRewind(opts); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: rewind: %v\n", err)
			os.Exit(1)
		}
		return
	}

	a := newAgent(os.Stdin, os.Stdout, opts)
	if err := a.run(); err != nil && err != io.EOF {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

// options mirrors the flag surface of the real runtime; flags the mock
// does not act on are still accepted so invocations never fail on them.
type options struct {
	model          string
	permissionMode string
	resume         string
	fork           bool
	checkpointing  bool
	partials       bool
	mcpConfig      string
	rewindTo       string
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("mock-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var opts options
	fs.String("input-format", "stream-json", "")
	fs.String("output-format", "stream-json", "")
	fs.StringVar(&opts.model, "model", "mock-default", "")
	fs.StringVar(&opts.permissionMode, "permission-mode", "default", "")
	fs.StringVar(&opts.resume, "resume", "", "")
	fs.BoolVar(&opts.fork, "fork-session", false, "")
	fs.BoolVar(&opts.checkpointing, "checkpointing", false, "")
	fs.BoolVar(&opts.partials, "include-partial-messages", false, "")
	fs.StringVar(&opts.mcpConfig, "mcp-config", "", "")
	fs.StringVar(&opts.rewindTo, "rewind-to", "", "")
	fs.String("system-prompt", "", "")
	fs.String("append-system-prompt", "", "")
	fs.String("allowed-tools", "", "")
	fs.String("disallowed-tools", "", "")
	fs.String("output-schema", "", "")
	fs.Int("max-turns", 0, "")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// runRewind simulates a file restore. The real runtime rewrites tracked
// files from its checkpoint log; the mock just validates the invocation.
func runRewind(opts options) error {
	if opts.resume == "" {
		return fmt.Errorf("rewind requires --resume")
	}
	return nil
}
