package main

import (
	"flag"
	"time"
)

// Options holds CLI options for the node.
type Options struct {
	ConfigPath string
	Grace      time.Duration
	PrintDID   bool
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("ra-node", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.DurationVar(&opts.Grace, "grace", 10*time.Second, "How long shutdown waits for in-flight envelopes")
	fs.BoolVar(&opts.PrintDID, "print-did", false, "Print the node DID and exit")
	_ = fs.Parse(args)
	return opts
}
