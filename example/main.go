// Example demonstrates probing one handle with the whereabouts library.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/codeGROOVE-dev/whereabouts"
)

func main() {
	manifest := flag.String("manifest", "sites.yaml", "site manifest")
	flag.Parse()
	if flag.NArg() != 1 {
		log.Fatalf("usage: %s [-manifest sites.yaml] HANDLE", os.Args[0])
	}

	m, err := whereabouts.LoadManifest(*manifest)
	if err != nil {
		log.Fatalf("load manifest: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	report, err := whereabouts.Run(context.Background(), flag.Arg(0), m.Sites,
		whereabouts.WithLogger(logger),
		whereabouts.WithTimeout(15*time.Second),
	)
	if err != nil {
		log.Fatalf("run: %v", err)
	}

	for _, r := range report.Sorted() {
		if r.Verdict == whereabouts.Claimed {
			fmt.Printf("%-20s %s\n", r.Site, r.URL)
		}
	}
}
