package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvverde/flickr-sub000/cooldown"
	"github.com/jvverde/flickr-sub000/flickrapi"
	"github.com/jvverde/flickr-sub000/pool"
	"github.com/jvverde/flickr-sub000/scheduler"
	"github.com/jvverde/flickr-sub000/store"
)

var (
	groupsFile       string
	cooldownsFile    string
	cacheFile        string
	setMatch         string
	groupMatch       string
	groupExclude     string
	maxAgeYears      int
	maxDelaySecs     int
	dryRun           bool
	cleanCache       bool
	ignoreExclusions bool
	refreshDir       bool
	excludeAdd       string
	excludeClear     string
)

// newClient builds an authenticated API client from flags/creds file.
func newClient() (*flickrapi.Client, error) {
	if err := loadCredsIfProvided(); err != nil {
		return nil, err
	}
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("both API key and API secret are required (flags or credentials file)")
	}
	return flickrapi.New(apiKey, apiSecret, oauthToken, oauthTokenSecret, slog.Default())
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the group-posting scheduler",
	Long: `Continuously select random photos from the photosets whose titles
match --set-match and submit them to your groups, honoring throttles,
moderation queues and cooldowns. Runs until interrupted; any fatal
error restarts the session with exponential backoff.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Validate patterns up front: a typo should print usage and
		// exit, not spin the supervisor.
		for _, p := range []string{setMatch, groupMatch, groupExclude} {
			if p == "" {
				continue
			}
			if _, err := regexp.Compile("(?i)" + p); err != nil {
				return fmt.Errorf("invalid pattern %q: %w", p, err)
			}
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		logger := slog.Default()
		st := store.New(groupsFile, cooldownsFile, cacheFile, logger)
		cfg := scheduler.Config{
			SetPattern:       setMatch,
			GroupInclude:     groupMatch,
			GroupExclude:     groupExclude,
			MaxAgeYears:      maxAgeYears,
			MaxDelay:         time.Duration(maxDelaySecs) * time.Second,
			DryRun:           dryRun,
			CleanCache:       cleanCache,
			IgnoreExclusions: ignoreExclusions,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		sv := scheduler.NewSupervisor(func(ctx context.Context) error {
			// A fresh session per restart: fresh login, fresh state.
			return scheduler.New(cfg, client, st, logger, cooldown.RealClock{}, rng).Run(ctx)
		}, rng, logger)
		sv.Run(ctx)
		return nil
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List the groups you can post to",
	Long: `Print the cached group directory, or fetch a fresh one from Flickr
with --refresh (also done when no directory file exists yet).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.Default()
		st := store.New(groupsFile, "", "", logger)

		groups, refreshedAt := st.LoadGroups()
		if refreshDir || len(groups) == 0 {
			client, err := newClient()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			previous := groups
			groups, err = scheduler.FetchDirectory(context.Background(), client)
			if err != nil {
				return err
			}
			pool.CarryExclusions(groups, previous)
			refreshedAt = time.Now()
			if err := st.SaveGroups(groups, refreshedAt); err != nil {
				logger.Warn("group directory not persisted", "error", err)
			}
		}
		cmd.SilenceUsage = true

		for _, g := range groups {
			excluded := ""
			if g.Excluded != nil {
				excluded = fmt.Sprintf("  excluded(%s)", g.Excluded.Pattern)
			}
			fmt.Printf("%s  %-40s  privacy=%d moderated=%v postable=%v throttle=%s/%d remaining=%d%s\n",
				g.ID, g.Name, g.Privacy, g.Moderated, g.CanPost(),
				g.Throttle.Mode, g.Throttle.Count, g.Throttle.Remaining, excluded)
		}
		fmt.Printf("%d groups (refreshed %s)\n", len(groups), refreshedAt.Format(time.RFC3339))
		return nil
	},
}

var excludeCmd = &cobra.Command{
	Use:   "exclude",
	Short: "Manage persistent group exclusions",
	Long: `Mark groups the scheduler must never post to (--add PATTERN), or
lift such marks (--clear PATTERN). Exclusions survive directory
refreshes until cleared here.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (excludeAdd == "") == (excludeClear == "") {
			return fmt.Errorf("exactly one of --add or --clear is required")
		}
		pattern := excludeAdd
		if pattern == "" {
			pattern = excludeClear
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}

		logger := slog.Default()
		st := store.New(groupsFile, "", "", logger)
		groups, refreshedAt := st.LoadGroups()
		if len(groups) == 0 {
			client, err := newClient()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			groups, err = scheduler.FetchDirectory(context.Background(), client)
			if err != nil {
				return err
			}
			refreshedAt = time.Now()
		}
		cmd.SilenceUsage = true

		changed := 0
		for _, g := range groups {
			switch {
			case excludeAdd != "":
				if m := re.FindString(g.Name); m != "" {
					g.Excluded = &pool.Exclusion{Pattern: pattern, Matched: m}
					changed++
				}
			case g.Excluded != nil && re.MatchString(g.Name):
				g.Excluded = nil
				changed++
			}
		}
		if err := st.SaveGroups(groups, refreshedAt); err != nil {
			return err
		}
		if excludeAdd != "" {
			fmt.Printf("%d groups excluded\n", changed)
		} else {
			fmt.Printf("%d exclusions cleared\n", changed)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&groupsFile, "groups-file", "", "Group directory JSON file (required)")
	runCmd.Flags().StringVar(&cooldownsFile, "cooldowns-file", "", "Cooldown history JSON file (required)")
	runCmd.Flags().StringVar(&cacheFile, "cache-file", "", "Photo/membership cache JSON file")
	runCmd.Flags().StringVar(&setMatch, "set-match", "", "Photoset title pattern, case-insensitive (required)")
	runCmd.Flags().StringVar(&groupMatch, "group-match", "", "Only post to groups whose name matches")
	runCmd.Flags().StringVar(&groupExclude, "group-exclude", "", "Never post to groups whose name matches")
	runCmd.Flags().IntVar(&maxAgeYears, "max-age-years", 0, "Skip photos taken more than N years ago (0 = no limit)")
	runCmd.Flags().IntVar(&maxDelaySecs, "max-delay", 300, "Max random pause between posting cycles, in seconds")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Go through the motions without posting")
	runCmd.Flags().BoolVar(&cleanCache, "clean-cache", false, "Empty the cache file on startup")
	runCmd.Flags().BoolVar(&ignoreExclusions, "ignore-exclusions", false, "Consider persistently excluded groups too")
	_ = runCmd.MarkFlagRequired("groups-file")
	_ = runCmd.MarkFlagRequired("cooldowns-file")
	_ = runCmd.MarkFlagRequired("set-match")

	groupsCmd.Flags().StringVar(&groupsFile, "groups-file", "", "Group directory JSON file (required)")
	groupsCmd.Flags().BoolVar(&refreshDir, "refresh", false, "Fetch a fresh directory from Flickr")
	_ = groupsCmd.MarkFlagRequired("groups-file")

	excludeCmd.Flags().StringVar(&groupsFile, "groups-file", "", "Group directory JSON file (required)")
	excludeCmd.Flags().StringVar(&excludeAdd, "add", "", "Exclude every group whose name matches this pattern")
	excludeCmd.Flags().StringVar(&excludeClear, "clear", "", "Clear exclusions on groups whose name matches this pattern")
	_ = excludeCmd.MarkFlagRequired("groups-file")
}
