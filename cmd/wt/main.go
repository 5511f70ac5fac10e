package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"worktrace/internal/app"
	"worktrace/internal/config"
	"worktrace/internal/encryption"
	"worktrace/internal/wt"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies environment overrides.
func loadConfig() (*config.Config, string, error) {
	paths := app.DefaultPaths(os.Getenv)
	cfg, err := config.ReadFromFile(paths.ConfigFile)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, paths.ConfigFile, nil
}

// newAgent reads the config and creates an Agent. The caller must defer a.Close().
// command identifies the CLI command being run (e.g. "run", "sync").
func newAgent(ctx context.Context, command string) (*app.Agent, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewAgent(ctx, cfg, command)
	if err != nil {
		return nil, fmt.Errorf("initializing agent: %w", err)
	}
	return a, nil
}

func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var rootCmd = &cobra.Command{
	Use:          "wt",
	Short:        "Local-first work telemetry agent",
	SilenceUsage: true,
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newAgent(ctx, "run")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Run(ctx)
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload pending records once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent(cmd.Context(), "sync")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.SyncOnce(cmd.Context())
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		for _, table := range wt.Tables {
			t := res.Tables[table]
			fmt.Printf("%-14s uploaded %-5d failed %-5d skipped %-5d dead-lettered %-3d discarded %d\n",
				table, t.Uploaded, t.Failed, t.Skipped, t.DeadLettered, t.Discarded)
		}
		if res.BudgetExhausted {
			fmt.Println("Daily API budget exhausted; remaining rows wait for tomorrow.")
		}
		for _, f := range res.Failures {
			fmt.Printf("batch %s#%d failed after %d attempt(s): %s\n", f.Table, f.Batch, f.Attempts, f.Error)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending records, storage and API budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent(cmd.Context(), "status")
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.Snapshot(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println("Pending records:")
		for _, table := range wt.Tables {
			p := snap.Pending[table]
			fmt.Printf("  %-14s %6d unsynced  %4d dead-lettered\n", table, p.Unsynced, p.DeadLettered)
		}
		fmt.Printf("Local media:      %d file(s), %.1f MB\n", snap.Storage.FileCount, float64(snap.Storage.Bytes)/(1024*1024))
		fmt.Printf("API budget (%s): %d of %d used\n", snap.Budget.Date, snap.Budget.Used, snap.Budget.Limit)
		fmt.Printf("Store:            %s\n", a.StorePath())
		return nil
	},
}

// quota command
var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Manage local media storage",
}

var quotaEnforceCmd = &cobra.Command{
	Use:   "enforce",
	Short: "Evict oldest media until under quota",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent(cmd.Context(), "quota-enforce")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.EnforceQuota(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Evicted %d file(s)\n", n)
		return nil
	},
}

var quotaSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Evict media older than the configured max age",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent(cmd.Context(), "quota-sweep")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.SweepExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Evicted %d expired file(s)\n", n)
		return nil
	},
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
		paths := app.DefaultPaths(os.Getenv)

		userID, _ := cmd.Flags().GetString("user-id")
		if userID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generating user id: %w", err)
			}
			userID = id.String()
		}

		cfg := config.NewConfig(userID, paths.BaseDir)
		cfg.Remote.Endpoint, _ = cmd.Flags().GetString("endpoint")

		if err := config.Init(paths.ConfigFile, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigFile)
		fmt.Printf("User ID:  %s\n", userID)
		fmt.Printf("Base Dir: %s\n", paths.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("User ID:        %s\n", cfg.UserID)
		fmt.Printf("Base Dir:       %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:        %s\n", cfg.LogDir)
		fmt.Printf("Remote:         %s %s\n", cfg.Remote.Type, cfg.Remote.Endpoint)
		fmt.Printf("Media:          %s (encrypt=%v)\n", cfg.Media.Type, cfg.Media.Encrypt)
		fmt.Printf("Sync:           every %s, batch %d, budget %d/day\n", cfg.Sync.Interval, cfg.Sync.BatchSize, cfg.Sync.DailyAPIBudget)
		fmt.Printf("Quota:          %d MB, %d files, max age %s\n", cfg.Quota.MaxStorageMB, cfg.Quota.MaxFileCount, cfg.Quota.MaxFileAge)
		if err := cfg.Validate(); err != nil {
			fmt.Printf("\nConfiguration problems:\n%v\n", err)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage media encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the media encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}
		if enc.IsConfigured() {
			return errors.New("encryption keys already exist")
		}

		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return errors.New("passphrases do not match")
		}

		if err := enc.Setup(pass); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Printf("Keys written to %s and %s\n", cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// media command
var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Work with uploaded media",
}

var mediaDecryptCmd = &cobra.Command{
	Use:   "decrypt IN OUT",
	Short: "Decrypt a downloaded media file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}

		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		dec, err := enc.Unlock(pass)
		if err != nil {
			return fmt.Errorf("unlocking key: %w", err)
		}

		in, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.OpenFile(args[1], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			return err
		}
		if err := dec.Decrypt(in, out); err != nil {
			out.Close()
			os.Remove(args[1])
			return fmt.Errorf("decrypting %s: %w", args[0], err)
		}
		return out.Close()
	},
}

// deadletter command
var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect rows parked after repeated rejections",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent(cmd.Context(), "deadletter-list")
		if err != nil {
			return err
		}
		defer a.Close()

		letters, err := a.DeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		if len(letters) == 0 {
			fmt.Println("No dead-lettered rows.")
			return nil
		}

		tables := make([]string, 0, len(letters))
		for t := range letters {
			tables = append(tables, string(t))
		}
		sort.Strings(tables)
		for _, t := range tables {
			for _, dl := range letters[wt.Table(t)] {
				fmt.Printf("%-14s %s  rejected %d time(s)  since %s\n",
					t, dl.ID, dl.RejectCount, dl.DeadLetteredAt.Format(time.DateTime))
			}
		}
		return nil
	},
}

var deadletterRequeueCmd = &cobra.Command{
	Use:   "requeue [TABLE...]",
	Short: "Retry dead-lettered rows on the next sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent(cmd.Context(), "deadletter-requeue")
		if err != nil {
			return err
		}
		defer a.Close()

		tables := make([]wt.Table, len(args))
		for i, arg := range args {
			tables[i] = wt.Table(arg)
		}
		n, err := a.Requeue(cmd.Context(), tables...)
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d row(s)\n", n)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Local store maintenance",
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup PATH",
	Short: "Write a consistent copy of the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent(cmd.Context(), "db-backup")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Backup(args[0]); err != nil {
			return err
		}
		fmt.Printf("Backup written to %s\n", args[0])
		return nil
	},
}

var dbSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the local store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent(cmd.Context(), "db-schema")
		if err != nil {
			return err
		}
		defer a.Close()

		schema, err := a.Schema(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(schema)
		return nil
	},
}

// reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Back up and remove the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return errors.New("reset removes every local record; pass --yes to confirm")
		}

		a, err := newAgent(cmd.Context(), "reset")
		if err != nil {
			return err
		}

		path := a.StorePath()
		if path == ":memory:" {
			a.Close()
			return errors.New("nothing to reset for an in-memory store")
		}
		backup := fmt.Sprintf("%s.%s.bak", path, time.Now().UTC().Format("20060102T150405Z"))
		if err := a.Backup(backup); err != nil {
			a.Close()
			return err
		}
		if err := a.Close(); err != nil {
			return err
		}

		for _, p := range []string{path, path + "-wal", path + "-shm"} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("removing %s: %w", p, err)
			}
		}
		fmt.Printf("Store removed; backup kept at %s\n", backup)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("user-id", "", "User id to record (default: generated)")
	configInitCmd.Flags().String("endpoint", "", "Remote service endpoint")

	// quota subcommands
	quotaCmd.AddCommand(quotaEnforceCmd)
	quotaCmd.AddCommand(quotaSweepCmd)

	keysCmd.AddCommand(keysInitCmd)
	mediaCmd.AddCommand(mediaDecryptCmd)

	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterRequeueCmd)

	dbCmd.AddCommand(dbBackupCmd)
	dbCmd.AddCommand(dbSchemaCmd)

	resetCmd.Flags().Bool("yes", false, "Confirm removal of the local store")

	// root commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(mediaCmd)
	rootCmd.AddCommand(deadletterCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(resetCmd)
}
