package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dircopy-go/internal/app"
	"dircopy-go/internal/config"
	"dircopy-go/internal/diagnose"
	"dircopy-go/internal/digest"
	"dircopy-go/internal/mount"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a DCApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Backup", "Restore").
func newApp(ctx context.Context, operation string) (*app.DCApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewDCApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// readPassphrase prompts on stderr and reads without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pass), nil
}

// resolveKey turns a key argument into a root key.
func resolveKey(a *app.DCApp, arg string) (digest.Key, error) {
	return a.ResolveKey(arg, readPassphrase)
}

func formatTime(ns uint64) string {
	return time.Unix(0, int64(ns)).Format("2006-01-02 15:04:05")
}

var rootCmd = &cobra.Command{
	Use:          "dircopy",
	Short:        "Deduplicating, encrypted directory backup",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		// Each configuration gets its own digest domain so two users of
		// one store never share blocks.
		domain := uuid.New().String()
		cfg := config.NewConfig(domain, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Domain:   %s\n", domain)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		m := &config.Manager{}
		return m.Write(os.Stdout, cfg)
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the keys that seal recorded root keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the sealing key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "KeysInit")
		if err != nil {
			return err
		}
		defer a.Close()

		var pass string
		if a.KeysNeedPassphrase() {
			if pass, err = readPassphrase("New passphrase: "); err != nil {
				return err
			}
			confirm, err := readPassphrase("Repeat passphrase: ")
			if err != nil {
				return err
			}
			if pass != confirm {
				return errors.New("passphrases do not match")
			}
		}
		if err := a.InitKeys(pass); err != nil {
			return err
		}
		fmt.Println("Keys initialized")
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup PATH",
	Short: "Back up a file or folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, _ := cmd.Flags().GetString("snapshot")
		recursive, _ := cmd.Flags().GetBool("recursive")
		label, _ := cmd.Flags().GetString("label")
		strip, _ := cmd.Flags().GetInt("strip")

		a, err := newApp(cmd.Context(), "Backup")
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := os.Stat(args[0])
		if err != nil {
			return err
		}
		if !info.IsDir() {
			key, stats, err := a.BackupFile(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			fmt.Println(app.FormatSummary(stats))
			fmt.Printf("File key: %s\n", key)
			return nil
		}

		res, err := a.BackupFolder(cmd.Context(), args[0], app.FolderOptions{
			Snapshot:  snapshot,
			Recursive: recursive,
			Strip:     strip,
			Label:     label,
		})
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Println(app.FormatSummary(res.Run.Stats))
		fmt.Printf("Run:      %s%s (snapshot %s)\n", app.RunPrefix, res.Run.ID, res.Run.Snapshot)
		fmt.Printf("Root key: %s\n", res.Key)
		return nil
	},
}

// delta command
var deltaCmd = &cobra.Command{
	Use:   "delta PATH",
	Short: "List files changed since the last backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, _ := cmd.Flags().GetString("snapshot")
		recursive, _ := cmd.Flags().GetBool("recursive")
		label, _ := cmd.Flags().GetString("label")
		strip, _ := cmd.Flags().GetInt("strip")

		a, err := newApp(cmd.Context(), "Delta")
		if err != nil {
			return err
		}
		defer a.Close()

		var count int
		var size uint64
		err = a.Changes(cmd.Context(), args[0], app.FolderOptions{Snapshot: snapshot, Recursive: recursive, Strip: strip, Label: label}, func(c app.Change) bool {
			count++
			size += c.Size
			fmt.Printf("%10s  %s  %s\n", units.BytesSize(float64(c.Size)), c.Mtime.Format("2006-01-02 15:04:05"), c.Name)
			return true
		})
		if err != nil {
			return err
		}
		fmt.Printf("%d changed file(s), %s\n", count, units.BytesSize(float64(size)))
		return nil
	},
}

// validate command
var validateCmd = &cobra.Command{
	Use:   "validate KEY",
	Short: "Check that a backup is complete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deep, _ := cmd.Flags().GetBool("deep")
		file, _ := cmd.Flags().GetBool("file")

		a, err := newApp(cmd.Context(), "Validate")
		if err != nil {
			return err
		}
		defer a.Close()

		key, err := resolveKey(a, args[0])
		if err != nil {
			return err
		}
		ok, stats := a.Validate(cmd.Context(), key, app.ValidateOptions{File: file, Deep: deep})
		fmt.Println(app.FormatSummary(stats))
		if !ok {
			return errors.New("validation failed; see the log for the cause")
		}
		fmt.Println("OK")
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore KEY DEST",
	Short: "Restore a backup",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetBool("file")

		a, err := newApp(cmd.Context(), "Restore")
		if err != nil {
			return err
		}
		defer a.Close()

		key, err := resolveKey(a, args[0])
		if err != nil {
			return err
		}
		stats, err := a.Restore(cmd.Context(), key, args[1], file)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Println(app.FormatSummary(stats))
		return nil
	},
}

// search command
var searchCmd = &cobra.Command{
	Use:   "search KEY TERM",
	Short: "List entries whose name contains a term",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Search")
		if err != nil {
			return err
		}
		defer a.Close()

		key, err := resolveKey(a, args[0])
		if err != nil {
			return err
		}
		p, err := a.OpenMount(cmd.Context(), key)
		if err != nil {
			return err
		}
		n := p.Search(args[1], printEntry)
		fmt.Printf("%d match(es)\n", n)
		return nil
	},
}

// fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch KEY NAME DEST",
	Short: "Restore one entry of a folder backup",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Fetch")
		if err != nil {
			return err
		}
		defer a.Close()

		key, err := resolveKey(a, args[0])
		if err != nil {
			return err
		}
		stats, err := a.Fetch(cmd.Context(), key, args[1], args[2])
		if err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}
		fmt.Println(app.FormatSummary(stats))
		return nil
	},
}

// enumerate command
var enumerateCmd = &cobra.Command{
	Use:   "enumerate KEY",
	Short: "List every entry of a folder backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Enumerate")
		if err != nil {
			return err
		}
		defer a.Close()

		key, err := resolveKey(a, args[0])
		if err != nil {
			return err
		}
		p, err := a.OpenMount(cmd.Context(), key)
		if err != nil {
			return err
		}
		p.Enumerate(printEntry)
		printUsage(p.Usage())
		return nil
	},
}

func printEntry(size, mtime uint64, name string, _ []byte) bool {
	fmt.Printf("%10s  %s  %s\n", units.BytesSize(float64(size)), formatTime(mtime), name)
	return true
}

func printUsage(u mount.Usage) {
	fmt.Printf("%d file(s), %s, %d block(s)\n", u.Files, units.BytesSize(float64(u.Size)), u.Blocks)
}

// mount command
var mountCmd = &cobra.Command{
	Use:   "mount KEY MOUNTPOINT",
	Short: "Expose a folder backup as a read-only filesystem",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		allowOther, _ := cmd.Flags().GetBool("allow-other")

		a, err := newApp(cmd.Context(), "Mount")
		if err != nil {
			return err
		}
		defer a.Close()

		key, err := resolveKey(a, args[0])
		if err != nil {
			return err
		}
		server, err := a.Mount(cmd.Context(), key, args[1], allowOther)
		if err != nil {
			return fmt.Errorf("mount failed: %w", err)
		}
		fmt.Printf("Mounted %s at %s; interrupt to unmount\n", key, args[1])

		<-cmd.Context().Done()
		if err := server.Unmount(); err != nil {
			return fmt.Errorf("unmount failed: %w", err)
		}
		server.Wait()
		return nil
	},
}

// runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "View backup run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, _ := cmd.Flags().GetString("snapshot")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "Runs")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.Runs(snapshot, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No backup runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if !r.FinishedAt.IsZero() {
				duration = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("%s%s  %-20s  %s  %-8s  %-10s  %d files  %s\n",
				app.RunPrefix,
				r.ID,
				r.Snapshot,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Status,
				duration,
				r.Stats.Items,
				units.BytesSize(float64(r.Stats.Written)),
			)
		}
		return nil
	},
}

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage change tracking snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "SnapshotList")
		if err != nil {
			return err
		}
		defer a.Close()

		names, err := a.Snapshots()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var snapshotClearCmd = &cobra.Command{
	Use:   "clear NAME",
	Short: "Remove the lock left by an interrupted backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "SnapshotClear")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ClearSnapshot(args[0]); err != nil {
			return err
		}
		fmt.Printf("Cleared snapshot %s\n", args[0])
		return nil
	},
}

// diagnose command
var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Measure digest and codec throughput",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := diagnose.DefaultOptions()
		if raw, _ := cmd.Flags().GetString("size"); raw != "" {
			size, err := units.RAMInBytes(raw)
			if err != nil {
				return fmt.Errorf("parsing --size: %w", err)
			}
			opts.Size = int(size)
		}
		if n, _ := cmd.Flags().GetInt("repeat"); n > 0 {
			opts.Repeat = n
		}

		results, err := diagnose.Run(cmd.Context(), opts)
		if err != nil {
			return err
		}
		return diagnose.Print(os.Stdout, results)
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)

	// snapshot subcommands
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotClearCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().StringP("snapshot", "s", "", "Snapshot name (default derived from the path)")
	backupCmd.Flags().BoolP("recursive", "r", true, "Recurse into subdirectories")
	backupCmd.Flags().StringP("label", "l", "", "Prefix for every entry name")
	backupCmd.Flags().Int("strip", 0, "Leading path components to drop before the label is applied")
	rootCmd.AddCommand(deltaCmd)
	deltaCmd.Flags().StringP("snapshot", "s", "", "Snapshot name (default derived from the path)")
	deltaCmd.Flags().BoolP("recursive", "r", true, "Recurse into subdirectories")
	deltaCmd.Flags().StringP("label", "l", "", "Prefix for every entry name")
	deltaCmd.Flags().Int("strip", 0, "Leading path components to drop before the label is applied")
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Bool("deep", false, "Read and re-derive every block")
	validateCmd.Flags().Bool("file", false, "KEY addresses a single file backup")
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().Bool("file", false, "KEY addresses a single file backup")
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(enumerateCmd)
	rootCmd.AddCommand(mountCmd)
	mountCmd.Flags().Bool("allow-other", false, "Allow other users to read the mount")
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().StringP("snapshot", "s", "", "Only show runs of this snapshot")
	runsCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(diagnoseCmd)
	diagnoseCmd.Flags().String("size", "", "Buffer size, e.g. 4MiB")
	diagnoseCmd.Flags().Int("repeat", 0, "Passes over the buffer")
}
