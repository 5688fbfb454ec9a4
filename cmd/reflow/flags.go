package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"
)

// initFlags parses command line flags and merges config files into ko.
// Returns (exit code, true) when the program should stop immediately.
func initFlags(ko *koanf.Koanf) (int, bool) {
	f := flag.NewFlagSet("reflow", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(exitOK)
	}

	f.StringSlice("config", []string{"reflow.yaml"}, "path to one or more config files, merged in order")
	f.String("status-addr", "", "listen address of the HTTP status server (empty disables)")
	f.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	f.String("log-file", "", "also write logs to this file")
	f.Bool("dev", false, "human readable console logging")
	f.Bool("version", false, "print the build version and exit")

	if err := f.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "parse flags: %v\n", err)
		return exitBuild, true
	}

	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		return exitOK, true
	}

	paths, _ := f.GetStringSlice("config")
	for _, path := range paths {
		var parser koanf.Parser
		switch ext := path[strings.LastIndex(path, ".")+1:]; ext {
		case "yaml", "yml":
			parser = yaml.Parser()
		case "json":
			parser = json.Parser()
		default:
			fmt.Fprintf(os.Stderr, "unsupported config extension %q\n", ext)
			return exitBuild, true
		}
		if err := ko.Load(file.Provider(path), parser); err != nil {
			fmt.Fprintf(os.Stderr, "read config %s: %v\n", path, err)
			return exitBuild, true
		}
	}

	// Flags override file values.
	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		fmt.Fprintf(os.Stderr, "merge flags: %v\n", err)
		return exitBuild, true
	}
	return exitOK, false
}
