package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// keys accepted by config set, with their kind
var configKeys = map[string]string{
	"server":          "string",
	"timeout":         "duration",
	"json":            "bool",
	"pretty":          "bool",
	"token":           "string",
	"internal_secret": "string",
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage harborctl configuration",
	Long:  `Manage harborctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings. Credentials are redacted.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, map[string]any{
				"server":          serverAddr,
				"timeout":         timeout.String(),
				"json":            outputJSON,
				"pretty":          prettyJSON,
				"token":           redact(jwtToken),
				"internal_secret": redact(internalSecret),
			})
			return
		}
		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Server: %s\n", serverAddr)
		fmt.Fprintf(out, "  Timeout: %s\n", timeout)
		fmt.Fprintf(out, "  JSON Output: %v\n", outputJSON)
		fmt.Fprintf(out, "  Pretty JSON: %v\n", prettyJSON)
		fmt.Fprintf(out, "  Token: %s\n", redact(jwtToken))
		fmt.Fprintf(out, "  Internal secret: %s\n", redact(internalSecret))

		if prettyJSON && !checkJQAvailable() {
			fmt.Fprintf(out, "  ⚠️  Warning: pretty=true but jq not found in PATH\n")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
	},
}

// setConfigValue validates value for key and stores it in viper.
func setConfigValue(key, value string) error {
	kind, ok := configKeys[key]
	if !ok {
		return fmt.Errorf("invalid configuration key: %s. Valid keys are: server, timeout, json, pretty, token, internal_secret", key)
	}
	switch kind {
	case "bool":
		switch value {
		case "true", "1", "yes", "on":
			viper.Set(key, true)
		case "false", "0", "no", "off":
			viper.Set(key, false)
		default:
			return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
	case "duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		viper.Set(key, d.String())
	default:
		viper.Set(key, value)
	}
	return nil
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".harborctl.yaml"), nil
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  harborctl config set server http://localhost:8080
  harborctl config set timeout 60s
  harborctl config set pretty true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if key == "pretty" && value == "true" && !checkJQAvailable() {
			fmt.Fprintf(cmd.OutOrStdout(), "⚠️  Warning: jq not found in PATH. Pretty formatting will fall back to standard formatting.\n")
		}
		if err := setConfigValue(key, value); err != nil {
			return err
		}

		configPath := cfgFile
		if configPath == "" {
			var err error
			if configPath, err = defaultConfigPath(); err != nil {
				return err
			}
		}
		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		shown := value
		if key == "token" || key == "internal_secret" {
			shown = redact(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, shown)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", configPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
}
