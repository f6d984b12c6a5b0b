package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/voiceloop/voiceloop/pkg/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long: `Manage CLI configuration and contexts.

Contexts allow you to manage multiple credential sets,
similar to kubectl's context management.

Configuration is stored in ~/.voiceloop/config.yaml`,
}

var configAddContextCmd = &cobra.Command{
	Use:   "add-context <name>",
	Short: "Add a new context",
	Long: `Add a new context with the specified name.

The speech service requires:
  - App ID: Your application ID
  - Access Key: Sent as X-Api-Access-Key on every session

The chat model requires:
  - Brain API Key: Ark API key (Bearer token)

Example:
  voiceloop config add-context home \
    --app-id YOUR_APP_ID --access-key YOUR_ACCESS_KEY \
    --brain-api-key YOUR_ARK_KEY \
    --default-voice zh_female_cancan`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		appID, err := cmd.Flags().GetString("app-id")
		if err != nil {
			return fmt.Errorf("failed to read 'app-id' flag: %w", err)
		}
		if appID == "" {
			return fmt.Errorf("--app-id is required")
		}

		accessKey, err := cmd.Flags().GetString("access-key")
		if err != nil {
			return fmt.Errorf("failed to read 'access-key' flag: %w", err)
		}
		if accessKey == "" {
			return fmt.Errorf("--access-key is required")
		}

		brainKey, err := cmd.Flags().GetString("brain-api-key")
		if err != nil {
			return fmt.Errorf("failed to read 'brain-api-key' flag: %w", err)
		}
		brainBaseURL, err := cmd.Flags().GetString("brain-base-url")
		if err != nil {
			return fmt.Errorf("failed to read 'brain-base-url' flag: %w", err)
		}
		brainModel, err := cmd.Flags().GetString("brain-model")
		if err != nil {
			return fmt.Errorf("failed to read 'brain-model' flag: %w", err)
		}
		defaultVoice, err := cmd.Flags().GetString("default-voice")
		if err != nil {
			return fmt.Errorf("failed to read 'default-voice' flag: %w", err)
		}

		ctx := &cli.Context{
			Speech: &cli.SpeechCredentials{
				AppID:     appID,
				AccessKey: accessKey,
			},
			DefaultVoice: defaultVoice,
		}
		if brainKey != "" {
			ctx.Brain = &cli.BrainCredentials{
				APIKey:  brainKey,
				BaseURL: brainBaseURL,
				Model:   brainModel,
			}
		}

		cfg := getConfig()
		if err := cfg.AddContext(name, ctx); err != nil {
			return err
		}

		cli.PrintSuccess("Context %q added successfully", name)
		return nil
	},
}

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		cfg := getConfig()
		if err := cfg.DeleteContext(name); err != nil {
			return err
		}

		cli.PrintSuccess("Context %q deleted", name)
		return nil
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Set the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		cfg := getConfig()
		if err := cfg.UseContext(name); err != nil {
			return err
		}

		cli.PrintSuccess("Switched to context %q", name)
		return nil
	},
}

var configGetContextCmd = &cobra.Command{
	Use:   "get-context",
	Short: "Display the current context",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()

		if cfg.CurrentContext == "" {
			fmt.Println("No current context set")
			return nil
		}

		fmt.Println(cfg.CurrentContext)
		return nil
	},
}

var configListContextsCmd = &cobra.Command{
	Use:     "list-contexts",
	Aliases: []string{"get-contexts"},
	Short:   "List all contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()

		if len(cfg.Contexts) == 0 {
			fmt.Println("No contexts configured")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CURRENT\tNAME\tSPEECH\tBRAIN\tDEFAULT_VOICE")

		for name, ctx := range cfg.Contexts {
			current := ""
			if name == cfg.CurrentContext {
				current = "*"
			}
			speechStatus := "✗"
			if ctx.Speech != nil && ctx.Speech.AppID != "" && ctx.Speech.AccessKey != "" {
				speechStatus = "✓"
			}
			brainStatus := "✗"
			if ctx.Brain != nil && ctx.Brain.APIKey != "" {
				brainStatus = "✓"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", current, name, speechStatus, brainStatus, ctx.DefaultVoice)
		}

		w.Flush()
		return nil
	},
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()

		fmt.Printf("Config file: %s\n", cfg.Path())
		fmt.Printf("Current context: %s\n", cfg.CurrentContext)
		fmt.Printf("Contexts: %d\n", len(cfg.Contexts))

		if len(cfg.Contexts) > 0 {
			fmt.Println("\nContext details:")
			for name, ctx := range cfg.Contexts {
				fmt.Printf("\n  %s:\n", name)

				if ctx.Speech != nil {
					fmt.Println("    Speech:")
					fmt.Printf("      App ID: %s\n", ctx.Speech.AppID)
					fmt.Printf("      Access Key: %s\n", cli.MaskAPIKey(ctx.Speech.AccessKey))
				}

				if ctx.Brain != nil {
					fmt.Println("    Brain:")
					fmt.Printf("      API Key: %s\n", cli.MaskAPIKey(ctx.Brain.APIKey))
					if ctx.Brain.BaseURL != "" {
						fmt.Printf("      Base URL: %s\n", ctx.Brain.BaseURL)
					}
					if ctx.Brain.Model != "" {
						fmt.Printf("      Model: %s\n", ctx.Brain.Model)
					}
				}

				if ctx.DefaultVoice != "" {
					fmt.Printf("    Default Voice: %s\n", ctx.DefaultVoice)
				}
			}
		}

		return nil
	},
}

func init() {
	// add-context flags - speech credentials (required)
	configAddContextCmd.Flags().String("app-id", "", "Application ID (required)")
	configAddContextCmd.Flags().String("access-key", "", "Speech access key (required)")

	// add-context flags - brain credentials
	configAddContextCmd.Flags().String("brain-api-key", "", "Chat model API key")
	configAddContextCmd.Flags().String("brain-base-url", "", "Chat model base URL")
	configAddContextCmd.Flags().String("brain-model", "", "Chat model name")

	configAddContextCmd.Flags().String("default-voice", "", "Default synthesis voice")

	// Add subcommands
	configCmd.AddCommand(configAddContextCmd)
	configCmd.AddCommand(configDeleteContextCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configGetContextCmd)
	configCmd.AddCommand(configListContextsCmd)
	configCmd.AddCommand(configViewCmd)
}
