package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tacticalmesh/meshagent/pkg/config"
)

// NewInitConfigCommand creates the init-config command
func NewInitConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a starter configuration file",
		Long: `Write a starter configuration for this node to the --config path.
The join token is read from MESHAGENT_JOIN_TOKEN at load time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeID, _ := cmd.Flags().GetString("node-id")
			controllerURL, _ := cmd.Flags().GetString("controller")
			force, _ := cmd.Flags().GetBool("force")
			path := viper.GetString("config")

			if err := config.WriteDefault(path, nodeID, controllerURL, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().String("node-id", "", "Node identifier")
	cmd.Flags().String("controller", "", "Primary controller URL")
	cmd.Flags().Bool("force", false, "Overwrite an existing file")
	cmd.MarkFlagRequired("node-id")
	cmd.MarkFlagRequired("controller")

	return cmd
}
