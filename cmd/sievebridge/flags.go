package main

import (
	"flag"
	"strconv"
)

// verbosity counts repeated -v flags.
type verbosity int

func (v *verbosity) String() string {
	return strconv.Itoa(int(*v))
}

// Set is called once per occurrence. An explicit value such as -v=3 sets
// the count; -v=false resets it.
func (v *verbosity) Set(s string) error {
	if s == "true" {
		*v++
		return nil
	}
	if b, err := strconv.ParseBool(s); err == nil && !b {
		*v = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*v = verbosity(n)
	return nil
}

func (v *verbosity) IsBoolFlag() bool { return true }

type options struct {
	configPath  string
	verbose     verbosity
	showVersion bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "./config.ini", "Path to the configuration file (INI, or TOML when ending in .toml)")
	fs.Var(&opts.verbose, "v", "Increase log verbosity (repeatable)")
	fs.Var(&opts.verbose, "verbose", "Increase log verbosity (repeatable)")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version information and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}
