package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncgate-io/syncgate/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file with a fresh random secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = defaultConfigPath
			}
			force, _ := cmd.Flags().GetBool("force")
			return writeInitialConfig(output, force)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./syncgate.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

func writeInitialConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	adminPassword, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generate admin password: %w", err)
	}

	cfg := config.Config{
		Server: config.ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Auth: config.AuthConfig{
			Provider:  "builtin",
			JWTSecret: secret,
			InitialAdmin: &config.InitialAdmin{
				Username: "admin",
				Password: adminPassword[:24],
			},
		},
		Storage: config.StorageConfig{
			Driver: "sqlite",
			DSN:    "syncgate.db",
		},
		Heartbeat: config.HeartbeatConfig{
			Interval:        config.Duration{Duration: 30 * time.Second},
			TimeoutMultiple: 3,
		},
		Sync: config.SyncConfig{
			Strategy: "last-write-wins",
		},
		Logging: config.LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)
	fmt.Printf("initial admin user: admin / %s\n", cfg.Auth.InitialAdmin.Password)
	fmt.Println("store this password now; it is not shown again")
	return nil
}
