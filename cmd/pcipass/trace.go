package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tinyrange/pcipass/internal/debug"
)

var errLimit = errors.New("limit reached")

// trace prints records of a log written with -trace.
func (a *app) trace(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ContinueOnError)
	source := fs.String("source", "", "regex to filter sources")
	match := fs.String("match", "", "regex to filter messages")
	limit := fs.Int("limit", 100, "stop after N entries (0 for unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("trace takes one log file")
	}

	var sourceRe, matchRe *regexp.Regexp
	var err error
	if *source != "" {
		if sourceRe, err = regexp.Compile(*source); err != nil {
			return fmt.Errorf("invalid -source regex: %w", err)
		}
	}
	if *match != "" {
		if matchRe, err = regexp.Compile(*match); err != nil {
			return fmt.Errorf("invalid -match regex: %w", err)
		}
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	n := 0
	err = debug.Each(f, func(rec debug.Record) error {
		if sourceRe != nil && !sourceRe.MatchString(rec.Source) {
			return nil
		}
		if matchRe != nil && !matchRe.Match(rec.Data) {
			return nil
		}
		msg := string(rec.Data)
		if rec.Kind == debug.KindBytes {
			msg = fmt.Sprintf("%x", rec.Data)
		}
		fmt.Fprintf(a.out, "%s [%s] %s\n", rec.Time.Format(time.RFC3339Nano), rec.Source, msg)
		n++
		if *limit > 0 && n >= *limit {
			return errLimit
		}
		return nil
	})
	if errors.Is(err, errLimit) {
		return nil
	}
	return err
}
