package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/codeGROOVE-dev/whereabouts/pkg/dispatch"
	"github.com/codeGROOVE-dev/whereabouts/pkg/result"
)

var verdictColors = map[result.Verdict]*color.Color{
	result.Claimed:    color.New(color.FgGreen, color.Bold),
	result.Available:  color.New(color.FgHiBlack),
	result.Unknown:    color.New(color.FgYellow),
	result.Illegal:    color.New(color.FgHiBlack),
	result.WAFBlocked: color.New(color.FgMagenta),
	result.Error:      color.New(color.FgRed),
}

func colorVerdict(v result.Verdict) string {
	c, ok := verdictColors[v]
	if !ok {
		return string(v)
	}
	return c.Sprint(v)
}

type printer struct {
	w        io.Writer
	printAll bool
}

func (p *printer) text(rep *dispatch.Report) {
	header := color.New(color.FgCyan, color.Bold)
	fmt.Fprintln(p.w, header.Sprintf("[*] %s", rep.Handle))

	for _, r := range rep.Sorted() {
		if r.Verdict != result.Claimed && !p.printAll {
			continue
		}
		line := fmt.Sprintf("[%s] %s: %s", colorVerdict(r.Verdict), r.Site, r.URL)
		switch {
		case r.Context != "":
			line += " (" + r.Context + ")"
		case r.Cached:
			line += " (cached)"
		}
		if r.Risk != nil && r.Risk.HasSignals {
			line += fmt.Sprintf(" [risk %s %.2f]", r.Risk.Label, r.Risk.Score)
		}
		fmt.Fprintln(p.w, line)
	}

	counts := rep.Counts()
	fmt.Fprintf(p.w, "%d claimed, %d available, %d other in %s\n",
		counts[result.Claimed], counts[result.Available],
		len(rep.Results)-counts[result.Claimed]-counts[result.Available],
		rep.Elapsed.Round(1e6))
}

type jsonReport struct {
	ID      string           `json:"id"`
	Handle  string           `json:"handle"`
	Elapsed string           `json:"elapsed"`
	Results []*result.Result `json:"results"`
}

func (p *printer) json(rep *dispatch.Report) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonReport{
		ID:      rep.ID,
		Handle:  rep.Handle,
		Elapsed: rep.Elapsed.String(),
		Results: rep.Sorted(),
	})
}
