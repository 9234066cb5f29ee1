// Command offlineweb-cache inspects and repairs an offlineweb response cache.
//
//	offlineweb-cache list  [-path DIR] [-incomplete] [-json]
//	offlineweb-cache prune [-path DIR] [-dry-run]
//
// prune removes temp files left by interrupted writes and entries that lack
// either their body or their header file.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/jnovack/flag"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/offlineweb/internal/config"
	"github.com/jnovack/offlineweb/pkg/cache"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: zerolog.TimeFieldFormat})
	os.Exit(run(os.Args[1:], os.Stdout))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: offlineweb-cache list|prune [flags]")
}

func run(args []string, out io.Writer) int {
	if len(args) == 0 {
		usage()
		return 2
	}
	cmd, args := args[0], args[1:]
	fs := flag.NewFlagSetWithEnvPrefix(cmd, config.EnvPrefix, flag.ContinueOnError)
	root := fs.String("response-cache", "./cache", "response cache directory")
	incomplete := fs.Bool("incomplete", false, "list only incomplete entries")
	asJSON := fs.Bool("json", false, "write JSON instead of a table")
	dryRun := fs.Bool("dry-run", false, "report what prune would remove")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store := cache.New(*root, nil)
	inv, err := store.Scan()
	if err != nil {
		log.Error().Err(err).Str("path", *root).Msg("scan failed")
		return 1
	}

	switch cmd {
	case "list":
		entries := inv.Entries
		if *incomplete {
			entries = inv.Incomplete()
		}
		if *asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(entries); err != nil {
				log.Error().Err(err).Msg("encode failed")
				return 1
			}
			return 0
		}
		writeTable(out, entries)
		return 0

	case "prune":
		bad := inv.Incomplete()
		if *dryRun {
			for _, p := range inv.Temp {
				fmt.Fprintln(out, "temp", p)
			}
			for _, e := range bad {
				fmt.Fprintln(out, "incomplete", e.SiteHost()+e.RequestURI(), e.Filename)
			}
			return 0
		}
		n, err := store.Prune(inv)
		log.Info().
			Int("temp_files", len(inv.Temp)).
			Int("incomplete_entries", len(bad)).
			Int("files_removed", n).
			Msg("prune complete")
		if err != nil {
			log.Error().Err(err).Msg("prune incomplete")
			return 1
		}
		return 0
	}

	usage()
	return 2
}

func writeTable(out io.Writer, entries []cache.Entry) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tURI\tSIZE\tCOMPLETE\tMODIFIED")
	for _, e := range entries {
		uri := e.RequestURI()
		if uri == "" {
			uri = "#" + e.Filename
		}
		mod := ""
		if !e.ModTime.IsZero() {
			mod = e.ModTime.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\n", e.SiteHost(), uri, e.Size, e.Complete(), mod)
	}
	_ = tw.Flush()
}
