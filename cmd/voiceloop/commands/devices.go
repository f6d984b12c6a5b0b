package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/voiceloop/voiceloop/pkg/audiodev"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio devices",
	Long: `List the host's audio devices with their channel counts and
default sample rates. Device names can be passed to 'run' via
--input-device and --output-device (substring match).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := audiodev.ListDevices()
		if err != nil {
			return err
		}

		if outputJSON {
			return outputResult(devices)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tNAME\tIN\tOUT\tRATE\tDEFAULT")
		for _, d := range devices {
			def := ""
			if d.DefaultInput {
				def += "input"
			}
			if d.DefaultOutput {
				if def != "" {
					def += ","
				}
				def += "output"
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%.0f\t%s\n",
				d.Index, d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, def)
		}
		return w.Flush()
	},
}
