package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/domlens/domlens/hub/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file with secure defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "domlens-hub.json"
			}
			withAuth, _ := cmd.Flags().GetBool("with-auth")
			return writeDefaultConfig(output, withAuth)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./domlens-hub.json)")
	cmd.Flags().Bool("with-auth", false, "enable the builtin token provider with a generated secret")
	return cmd
}

func writeDefaultConfig(path string, withAuth bool) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	cfg := map[string]any{
		"server": map[string]any{
			"addr":            ":8080",
			"allowed_origins": []string{"*"},
		},
		"storage": map[string]any{
			"driver": "sqlite",
			"dsn":    "domlens.db",
		},
		"liveness": map[string]any{
			"ping_interval":      "30s",
			"heartbeat_interval": "25s",
		},
	}

	if withAuth {
		secret, err := config.GenerateRandomSecret()
		if err != nil {
			return err
		}
		cfg["auth"] = map[string]any{
			"provider":     "builtin",
			"token_secret": secret,
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)
	return nil
}
