package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/voiceloop/voiceloop/pkg/cli"
	"github.com/voiceloop/voiceloop/pkg/kv"
	"github.com/voiceloop/voiceloop/pkg/speakerid"
)

var speakersCmd = &cobra.Command{
	Use:   "speakers",
	Short: "Manage registered speakers",
	Long: `Manage the registry of speakers known by voice.

Speakers register themselves during conversation: when an unknown voice
is heard the assistant asks for a name and stores the voiceprint. These
commands inspect and prune that registry.`,
}

var speakersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered speakers",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, speakers, err := openSpeakerRegistry(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		profiles := speakers.List()
		if len(profiles) == 0 {
			fmt.Println("No speakers registered")
			return nil
		}

		if outputJSON {
			return outputResult(profiles)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tINTERACTIONS\tREGISTERED")
		for _, p := range profiles {
			age := cli.FormatDuration(time.Since(p.RegisteredAt))
			fmt.Fprintf(w, "%s\t%s\t%d\t%s ago\n", p.ID, p.Name, p.InteractionCount, age)
		}
		return w.Flush()
	},
}

var speakersRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a registered speaker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, speakers, err := openSpeakerRegistry(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		removed, err := speakers.Delete(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("speaker %q not found", args[0])
		}

		cli.PrintSuccess("Speaker %q removed", args[0])
		return nil
	},
}

// openSpeakerRegistry opens the persistent speaker store under
// ~/.voiceloop/data/speakers.
func openSpeakerRegistry(cmd *cobra.Command) (kv.Store, *speakerid.Identifier, error) {
	paths, err := cli.NewPaths()
	if err != nil {
		return nil, nil, err
	}
	if err := paths.EnsureDataDir(); err != nil {
		return nil, nil, err
	}

	store, err := kv.OpenBadger(paths.DataPath("speakers"))
	if err != nil {
		return nil, nil, fmt.Errorf("open speaker store: %w", err)
	}

	speakers, err := speakerid.New(cmd.Context(), store, nil)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, speakers, nil
}

func init() {
	speakersCmd.AddCommand(speakersListCmd)
	speakersCmd.AddCommand(speakersRemoveCmd)
}
