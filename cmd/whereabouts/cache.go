package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/whereabouts/pkg/cache"
	"github.com/codeGROOVE-dev/whereabouts/pkg/result"
)

func newCacheCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the result cache",
	}

	var handle, site string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove entries; --handle and --site narrow the selection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCache(cmd, f, func(c *cache.Cache) error {
				n, err := c.Clear(cmd.Context(), handle, site)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
				return nil
			})
		},
	}
	clearCmd.Flags().StringVar(&handle, "handle", "", "only entries for this handle")
	clearCmd.Flags().StringVar(&site, "site", "", "only entries for this site")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show entry counts by verdict",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withCache(cmd, f, func(c *cache.Cache) error {
					st, err := c.Stats(cmd.Context())
					if err != nil {
						return err
					}
					printStats(cmd.OutOrStdout(), st)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "get HANDLE SITE",
			Short: "Show the cached verdict for one site",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCache(cmd, f, func(c *cache.Cache) error {
					e, found, err := c.Get(cmd.Context(), args[0], args[1])
					if err != nil {
						return err
					}
					if !found {
						return fmt.Errorf("no live entry for %s on %s", args[0], args[1])
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tcached %s (ttl %s)\n",
						e.Site, colorVerdict(e.Verdict), e.URL, e.Created.Format("2006-01-02 15:04"), e.TTL)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set HANDLE SITE VERDICT [URL]",
			Short: "Store a CLAIMED or AVAILABLE verdict",
			Args:  cobra.RangeArgs(3, 4),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := result.ParseVerdict(args[2])
				if err != nil {
					return err
				}
				var u string
				if len(args) == 4 {
					u = args[3]
				}
				return withCache(cmd, f, func(c *cache.Cache) error {
					return c.Set(cmd.Context(), args[0], args[1], v, u)
				})
			},
		},
		clearCmd,
		&cobra.Command{
			Use:   "cleanup",
			Short: "Remove expired entries",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withCache(cmd, f, func(c *cache.Cache) error {
					n, err := c.CleanupExpired(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", n)
					return nil
				})
			},
		},
	)
	return cmd
}

func withCache(cmd *cobra.Command, f *flags, fn func(*cache.Cache) error) error {
	logger := newLogger(f)
	c, err := openCache(cmd.Context(), f, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close cache", "error", err)
		}
	}()
	return fn(c)
}

func printStats(w io.Writer, st cache.Stats) {
	fmt.Fprintf(w, "entries: %d (%d expired)\n", st.Entries, st.Expired)
	verdicts := make([]result.Verdict, 0, len(st.ByVerdict))
	for v := range st.ByVerdict {
		verdicts = append(verdicts, v)
	}
	slices.Sort(verdicts)
	for _, v := range verdicts {
		fmt.Fprintf(w, "  %-12s %d\n", v, st.ByVerdict[v])
	}
}
