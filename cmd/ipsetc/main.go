// Command ipsetc compiles address lists into serialized sets and queries them
// offline.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/3xpluto/go-ipset/internal/ipset"
	"github.com/3xpluto/go-ipset/internal/logging"
	"github.com/3xpluto/go-ipset/internal/source"
)

const usage = `usage:
  ipsetc compile [-o out.json] list...   ("-" reads stdin)
  ipsetc match -set set.json ip...        (exit 1 if any address misses)
  ipsetc prefixes -set set.json
`

// errMiss makes match exit 1 without printing an error.
var errMiss = errors.New("miss")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	log := logging.NewWriter(os.Stderr, "")

	var err error
	switch os.Args[1] {
	case "compile":
		err = compile(log, os.Args[2:], os.Stdin, os.Stdout)
	case "match":
		err = match(os.Args[2:], os.Stdout)
	case "prefixes":
		err = prefixes(os.Args[2:], os.Stdout)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	switch {
	case errors.Is(err, errMiss):
		os.Exit(1)
	case err != nil:
		fmt.Fprintln(os.Stderr, "ipsetc:", err)
		os.Exit(1)
	}
}

func compile(log *slog.Logger, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	out := fs.String("o", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("compile: at least one list is required")
	}

	var entries []string
	for _, path := range fs.Args() {
		var lines []string
		var err error
		if path == "-" {
			lines, err = source.ReadList(stdin)
		} else {
			lines, err = source.ReadFile(path)
		}
		if err != nil {
			return err
		}
		entries = append(entries, lines...)
	}

	set, errs := ipset.New(entries, ipset.WithLogger(log))
	b, err := set.MarshalJSON()
	if err != nil {
		return err
	}
	b = append(b, '\n')

	st := set.Stats()
	log.Info("compiled",
		slog.Int("entries", len(entries)),
		slog.Int("warnings", len(errs)),
		slog.Int("ipv4_prefixes", st.V4Prefixes),
		slog.Int("ipv6_prefixes", st.V6Prefixes),
	)

	if *out == "" {
		_, err = stdout.Write(b)
		return err
	}
	return os.WriteFile(*out, b, 0o644)
}

func loadSet(fs *flag.FlagSet, args []string) (*ipset.Set, error) {
	path := fs.String("set", "", "serialized set (from ipsetc compile)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *path == "" {
		return nil, fmt.Errorf("%s: -set is required", fs.Name())
	}
	b, err := os.ReadFile(*path)
	if err != nil {
		return nil, err
	}
	return ipset.Parse(b)
}

func match(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("match", flag.ContinueOnError)
	set, err := loadSet(fs, args)
	if err != nil {
		return err
	}
	missed := false
	for _, ip := range fs.Args() {
		result := "miss"
		switch {
		case !ipset.ValidAddr(ip):
			result = "invalid"
			missed = true
		case set.Match(ip):
			result = "hit"
		default:
			missed = true
		}
		fmt.Fprintf(stdout, "%s\t%s\n", ip, result)
	}
	if missed {
		return errMiss
	}
	return nil
}

func prefixes(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("prefixes", flag.ContinueOnError)
	set, err := loadSet(fs, args)
	if err != nil {
		return err
	}
	for _, p := range set.Prefixes() {
		fmt.Fprintln(stdout, p.String())
	}
	return nil
}
