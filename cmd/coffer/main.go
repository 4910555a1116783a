package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cofferhq/coffer/pkg/archiver"
	"github.com/cofferhq/coffer/pkg/errdefs"
	"github.com/cofferhq/coffer/pkg/log"
	"github.com/cofferhq/coffer/pkg/metrics"
	"github.com/cofferhq/coffer/pkg/repo"
	"github.com/cofferhq/coffer/pkg/restorer"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(errdefs.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "coffer",
	Short: "Coffer - deduplicating encrypted backup",
	Long: `Coffer is a deduplicating, encrypted, snapshot-based backup tool.

File contents are split into content-defined chunks, encrypted and
stored in a content-addressed repository on local disk, S3-compatible
object storage or Azure Blob. Unchanged data is never uploaded twice.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Coffer version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().StringP("repo", "r", "", "Repository location (or COFFER_REPOSITORY)")
	rootCmd.PersistentFlags().String("password-file", "", "File holding the repository password (or COFFER_PASSWORD)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Expose Prometheus metrics on this address during long operations")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable the local metadata cache")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(indexCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	if err := log.Setup(log.Options{Level: logLevel, JSON: logJSON}); err != nil {
		fmt.Fprintln(os.Stderr, errdefs.New(errdefs.KindUsage, "--log-level", err).Error())
		os.Exit(errdefs.ExitUsage)
	}

	if addr, _ := rootCmd.PersistentFlags().GetString("metrics-addr"); addr != "" {
		go func() {
			if err := metrics.Serve(addr); err != nil {
				log.Logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}
}

// cancelContext returns a context cancelled by SIGINT/SIGTERM.
func cancelContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cancelContext()
		defer cancel()

		be, err := dialBackend(cmd, true)
		if err != nil {
			return err
		}
		defer be.Close()

		password, err := readPassword(cmd)
		if err != nil {
			return err
		}

		r, err := repo.Init(ctx, be, password, repo.Options{})
		if err != nil {
			return err
		}
		defer r.Close()

		fmt.Printf("Repository %s initialized\n", r.Config().ID)
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup [flags] PATH...",
	Short: "Create a snapshot of the given paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cancelContext()
		defer cancel()

		tags, _ := cmd.Flags().GetStringSlice("tag")
		excludes, _ := cmd.Flags().GetStringSlice("exclude")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		compression, _ := cmd.Flags().GetString("compression")
		profilePath, _ := cmd.Flags().GetString("profile")

		paths := args
		if profilePath != "" {
			profile, err := loadProfile(profilePath)
			if err != nil {
				return err
			}
			paths = append(paths, profile.Paths...)
			tags = append(tags, profile.Tags...)
			excludes = append(excludes, profile.Excludes...)
		}
		if len(paths) == 0 {
			return errdefs.Newf(errdefs.KindUsage, "", "no paths to back up")
		}

		switch compression {
		case "off", "auto":
		default:
			return errdefs.Newf(errdefs.KindUsage, compression, "compression must be off or auto")
		}

		r, err := openRepo(ctx, cmd, repo.Options{Compress: compression == "auto"})
		if err != nil {
			return err
		}
		defer r.Close()

		a, err := archiver.New(r, archiver.Options{
			Paths:    paths,
			Tags:     tags,
			Excludes: excludes,
			DryRun:   dryRun,
		})
		if err != nil {
			return err
		}

		summary, err := a.Run(ctx)
		if err != nil {
			return err
		}

		for _, w := range summary.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s: %v\n", w.Path, w.Err)
		}
		fmt.Printf("Files: %d, dirs: %d, symlinks: %d\n", summary.Files, summary.Dirs, summary.Symlinks)
		fmt.Printf("Read %s in %s\n", humanize.Bytes(summary.BytesRead), summary.Duration.Round(time.Millisecond))
		if dryRun {
			fmt.Println("Dry run: no snapshot written")
			return nil
		}
		if len(summary.Warnings) > 0 {
			fmt.Printf("Completed with %d warnings\n", len(summary.Warnings))
		}
		fmt.Printf("Snapshot %s saved\n", shortID(summary.SnapshotID))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [flags] SNAPSHOT TARGET",
	Short: "Restore a snapshot into a directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cancelContext()
		defer cancel()

		overwrite, _ := cmd.Flags().GetBool("overwrite")

		r, err := openRepo(ctx, cmd, repo.Options{})
		if err != nil {
			return err
		}
		defer r.Close()

		rst, err := restorer.New(r, restorer.Options{Target: args[1], Overwrite: overwrite})
		if err != nil {
			return err
		}
		summary, err := rst.Run(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Restored %d files (%s) to %s\n",
			summary.Files, humanize.Bytes(summary.Bytes), args[1])
		return nil
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cancelContext()
		defer cancel()

		r, err := openRepo(ctx, cmd, repo.Options{})
		if err != nil {
			return err
		}
		defer r.Close()

		snapshots, err := r.ListSnapshots(ctx)
		if err != nil {
			return err
		}
		if len(snapshots) == 0 {
			fmt.Println("No snapshots")
			return nil
		}

		fmt.Printf("%-10s %-20s %-12s %-16s %s\n", "ID", "TIME", "HOST", "TAGS", "PATHS")
		for _, sn := range snapshots {
			fmt.Printf("%-10s %-20s %-12s %-16s %s\n",
				shortID(sn.ID),
				sn.Time.Format("2006-01-02 15:04:05"),
				sn.Host,
				strings.Join(sn.Tags, ","),
				strings.Join(sn.Paths, " "))
		}
		return nil
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget SNAPSHOT...",
	Short: "Delete snapshot records (chunks remain until prune)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cancelContext()
		defer cancel()

		r, err := openRepo(ctx, cmd, repo.Options{})
		if err != nil {
			return err
		}
		defer r.Close()

		for _, arg := range args {
			id, err := r.ForgetSnapshot(ctx, arg)
			if err != nil {
				return err
			}
			fmt.Printf("Snapshot %s forgotten\n", shortID(id))
		}
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove data not referenced by any snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cancelContext()
		defer cancel()

		r, err := openRepo(ctx, cmd, repo.Options{})
		if err != nil {
			return err
		}
		defer r.Close()

		stats, err := r.Prune(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Kept %d snapshots; deleted %d packs (%d repacked), removed %d chunks\n",
			stats.SnapshotsKept, stats.PacksDeleted, stats.PacksRepacked, stats.ChunksRemoved)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify repository integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cancelContext()
		defer cancel()

		r, err := openRepo(ctx, cmd, repo.Options{})
		if err != nil {
			return err
		}
		defer r.Close()

		result, err := r.Check(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Checked %d packs, %d reachable chunks\n",
			result.PacksChecked, result.ChunksReachable)
		if !result.OK() {
			for _, e := range result.Errors {
				fmt.Fprintln(os.Stderr, e.Error())
			}
			return errdefs.Newf(errdefs.KindCorrupt, "", "%d problems found", len(result.Errors))
		}
		fmt.Println("No problems found")
		return nil
	},
}

// Key management
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage repository keys",
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List key files",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cancelContext()
		defer cancel()

		r, err := openRepo(ctx, cmd, repo.Options{})
		if err != nil {
			return err
		}
		defer r.Close()

		keys, err := r.ListKeys(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

var keyAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Grant an additional password access to the repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cancelContext()
		defer cancel()

		newPasswordFile, _ := cmd.Flags().GetString("new-password-file")
		if newPasswordFile == "" {
			return errdefs.Newf(errdefs.KindUsage, "", "--new-password-file is required")
		}
		newPassword, err := passwordFromFile(newPasswordFile)
		if err != nil {
			return err
		}

		r, err := openRepo(ctx, cmd, repo.Options{})
		if err != nil {
			return err
		}
		defer r.Close()

		id, err := r.AddKey(ctx, newPassword)
		if err != nil {
			return err
		}
		fmt.Printf("Key %s added\n", id)
		return nil
	},
}

var keyRemoveCmd = &cobra.Command{
	Use:   "remove KEY-ID",
	Short: "Remove a key file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cancelContext()
		defer cancel()

		r, err := openRepo(ctx, cmd, repo.Options{})
		if err != nil {
			return err
		}
		defer r.Close()

		if err := r.RemoveKey(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Key %s removed\n", args[0])
		return nil
	},
}

// Index maintenance
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the repository index",
}

var indexCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite all index objects as one",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cancelContext()
		defer cancel()

		r, err := openRepo(ctx, cmd, repo.Options{})
		if err != nil {
			return err
		}
		defer r.Close()

		if err := r.CompactIndex(ctx); err != nil {
			return err
		}
		fmt.Println("Index compacted")
		return nil
	},
}

func init() {
	backupCmd.Flags().StringSlice("tag", nil, "Tag the snapshot (repeatable)")
	backupCmd.Flags().StringSlice("exclude", nil, "Exclude pattern (repeatable)")
	backupCmd.Flags().Bool("dry-run", false, "Walk and chunk without writing")
	backupCmd.Flags().String("compression", "auto", "Chunk compression (off, auto)")
	backupCmd.Flags().String("profile", "", "YAML profile with paths, tags and excludes")

	restoreCmd.Flags().Bool("overwrite", false, "Allow restoring into a non-empty directory")

	keyAddCmd.Flags().String("new-password-file", "", "File holding the password to add")
	keyCmd.AddCommand(keyListCmd)
	keyCmd.AddCommand(keyAddCmd)
	keyCmd.AddCommand(keyRemoveCmd)

	indexCmd.AddCommand(indexCompactCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func passwordFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errdefs.New(errdefs.KindUsage, path, err)
	}
	password := strings.TrimRight(string(data), "\r\n")
	if password == "" {
		return "", errdefs.Newf(errdefs.KindUsage, path, "password file is empty")
	}
	return password, nil
}

func readPassword(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString("password-file"); path != "" {
		return passwordFromFile(path)
	}
	if pw := os.Getenv("COFFER_PASSWORD"); pw != "" {
		return pw, nil
	}
	return "", errdefs.New(errdefs.KindUsage, "",
		errors.New("no password: set COFFER_PASSWORD or --password-file"))
}
