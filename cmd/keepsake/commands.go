package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basekick-labs/keepsake/internal/api"
	"github.com/basekick-labs/keepsake/internal/backup"
	"github.com/basekick-labs/keepsake/internal/logger"
	"github.com/basekick-labs/keepsake/internal/scheduler"
	"github.com/basekick-labs/keepsake/internal/shutdown"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled backups and the local control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		cfg := env.cfg
		svc := env.service
		ctx := context.Background()

		log.Info().
			Str("version", Version).
			Str("profile", cfg.Profile.Dir).
			Msg("Starting keepsake...")

		coordinator := shutdown.New(time.Duration(cfg.Shutdown.TimeoutSeconds)*time.Second, logger.Get("shutdown"))

		// A profile created by recovery finishes restoring on its first start.
		if err := svc.RunPostRecovery(ctx); err != nil {
			log.Error().Err(err).Msg("Post-recovery pass failed")
		}
		if _, err := svc.LoadEncryptionState(ctx); err != nil {
			return err
		}
		if cfg.Scheduler.MeasureOnStart {
			go svc.MeasureResources(ctx)
		}

		// ── Scheduler ───────────────────────────────────────────────────────
		idleCfg := &scheduler.IdleConfig{
			Threshold: time.Duration(cfg.Scheduler.IdleThresholdSeconds) * time.Second,
			Ignore:    []string{svc.BackupsDir()},
			Logger:    logger.Get("scheduler"),
		}
		if cfg.Scheduler.WatchProfile {
			idleCfg.Dir = cfg.Profile.Dir
		}
		idle, err := scheduler.NewIdleDetector(idleCfg)
		if err != nil {
			return fmt.Errorf("failed to create idle detector: %w", err)
		}

		sched, err := scheduler.New(&scheduler.Config{
			Service:          svc,
			Idle:             idle,
			Enabled:          cfg.Scheduler.Enabled,
			MinInterval:      time.Duration(cfg.Scheduler.MinIntervalSeconds) * time.Second,
			DebounceWindow:   time.Duration(cfg.Scheduler.DebounceSeconds) * time.Second,
			FallbackSchedule: cfg.Scheduler.FallbackSchedule,
			Logger:           logger.Get("scheduler"),
		})
		if err != nil {
			return fmt.Errorf("failed to create backup scheduler: %w", err)
		}
		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start backup scheduler: %w", err)
		}
		coordinator.RegisterHook("backup-scheduler", func(context.Context) error {
			sched.Stop()
			return nil
		}, shutdown.PriorityScheduler)
		coordinator.RegisterHook("backup-service", func(ctx context.Context) error {
			return waitForBackup(ctx, svc)
		}, shutdown.PriorityBackup)

		// ── HTTP API ────────────────────────────────────────────────────────
		if cfg.Server.Enabled {
			server := api.NewServer(&api.ServerConfig{
				Host:         cfg.Server.Host,
				Port:         cfg.Server.Port,
				ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
				WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
				IdleTimeout:  120 * time.Second,
				APIToken:     cfg.Server.APIToken,
			}, logger.Get("api"))
			server.RegisterRoutes()
			api.NewBackupHandler(svc, sched, logger.Get("api")).RegisterRoutes(server.GetApp())
			if err := server.Start(); err != nil {
				return err
			}
			coordinator.RegisterHook("http-server", server.Shutdown, shutdown.PriorityHTTPServer)
		}

		if env.mirror != nil {
			coordinator.Register("mirror", env.mirror, shutdown.PriorityMirror)
		}
		coordinator.RegisterHook("secrets", func(context.Context) error {
			env.secrets.Purge()
			return nil
		}, shutdown.PrioritySecrets)

		log.Info().Msg("keepsake is running")
		coordinator.WaitForSignal()
		return coordinator.Shutdown()
	},
}

// waitForBackup polls until no backup or recovery is running, or ctx ends.
func waitForBackup(ctx context.Context, svc *backup.Service) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := svc.State()
		if !st.BackupInProgress && !st.RecoveryInProgress {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a backup archive now",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		result := env.service.CreateBackup(cmd.Context())
		if result == nil {
			return fmt.Errorf("backup failed, see log for details")
		}
		return printJSON(result)
	},
}

var deleteLastCmd = &cobra.Command{
	Use:   "delete-last",
	Short: "Delete the most recent backup archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		return env.service.DeleteLastBackup(cmd.Context())
	},
}

var sampleCmd = &cobra.Command{
	Use:   "sample <archive>",
	Short: "Print an archive's header without extracting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		sample, err := env.service.SampleArchive(args[0])
		if err != nil {
			return err
		}
		return printJSON(sample)
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover <archive>",
	Short: "Restore an archive into a new profile",
	Long: `Restore a backup archive into a freshly created profile directory.
Encrypted archives need the recovery code, read from stdin with --code-stdin
or from KEEPSAKE_RECOVERY_CODE.

Example:
  keepsake recover ~/Documents/Backup_app_default_20260504-1230.html --code-stdin --launch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profileName, _ := cmd.Flags().GetString("profile-name")
		launch, _ := cmd.Flags().GetBool("launch")
		codeStdin, _ := cmd.Flags().GetBool("code-stdin")

		code, err := readSecret(codeStdin, "KEEPSAKE_RECOVERY_CODE")
		if err != nil {
			return err
		}

		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		profile, err := env.service.RecoverFromBackupArchive(cmd.Context(), args[0], code, backup.RecoverOptions{
			ProfileName: profileName,
			Launch:      launch,
		})
		if err != nil {
			return err
		}
		return printJSON(profile)
	},
}

var recoverSnapshotCmd = &cobra.Command{
	Use:   "recover-snapshot <dir>",
	Short: "Restore an extracted snapshot folder into a new profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profileName, _ := cmd.Flags().GetString("profile-name")
		launch, _ := cmd.Flags().GetBool("launch")

		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		profile, err := env.service.RecoverFromSnapshotFolder(cmd.Context(), args[0], backup.RecoverOptions{
			ProfileName: profileName,
			Launch:      launch,
		})
		if err != nil {
			return err
		}
		return printJSON(profile)
	},
}

var encryptionCmd = &cobra.Command{
	Use:   "encryption",
	Short: "Manage archive encryption",
}

var encryptionEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable encryption with a recovery password",
	Long: `Derive encryption keys from a recovery password. The password is read
from stdin with --password-stdin or from KEEPSAKE_RECOVERY_PASSWORD and is
needed to restore any archive written afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		passwordStdin, _ := cmd.Flags().GetBool("password-stdin")
		password, err := readSecret(passwordStdin, "KEEPSAKE_RECOVERY_PASSWORD")
		if err != nil {
			return err
		}
		if len(password) == 0 {
			return fmt.Errorf("a recovery password is required (--password-stdin or KEEPSAKE_RECOVERY_PASSWORD)")
		}

		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.service.EnableEncryption(cmd.Context(), string(password)); err != nil {
			return err
		}
		fmt.Println("Encryption enabled")
		return nil
	},
}

var encryptionDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable encryption and forget the key material",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.service.DisableEncryption(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Encryption disabled")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, backupCmd, deleteLastCmd, sampleCmd, recoverCmd, recoverSnapshotCmd, encryptionCmd)
	encryptionCmd.AddCommand(encryptionEnableCmd, encryptionDisableCmd)

	for _, c := range []*cobra.Command{recoverCmd, recoverSnapshotCmd} {
		c.Flags().StringP("profile-name", "n", "", "Name for the recovered profile (default: the archived profile's name)")
		c.Flags().Bool("launch", false, "Launch the application against the recovered profile")
	}
	recoverCmd.Flags().Bool("code-stdin", false, "Read the recovery code from stdin")
	encryptionEnableCmd.Flags().Bool("password-stdin", false, "Read the recovery password from stdin")
}

// readSecret reads one line from stdin when fromStdin is set, otherwise the
// named environment variable. A missing value yields nil.
func readSecret(fromStdin bool, envVar string) ([]byte, error) {
	if fromStdin {
		line, err := bufio.NewReader(os.Stdin).ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return bytes.TrimRight(line, "\r\n"), nil
	}
	if v := os.Getenv(envVar); v != "" {
		return []byte(v), nil
	}
	return nil, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
