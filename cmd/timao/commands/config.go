package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/cli"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage client configuration",
	Long: `Manage client contexts.

A context names a timao server plus request settings. The current
context is used by sessions, persona and monitor unless -c overrides it.

Examples:
  timao config add-context studio --server http://127.0.0.1:8300
  timao config use-context studio
  timao config list-contexts
  timao config current-context`,
}

var configListContextsCmd = &cobra.Command{
	Use:     "list-contexts",
	Aliases: []string{"ls"},
	Short:   "List all contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		names := cfg.ListContexts()

		if len(names) == 0 {
			fmt.Println("No contexts configured.")
			fmt.Println("Create one with: timao config add-context <name> --server <url>")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CURRENT\tNAME\tSERVER\tTIMEOUT")

		for _, name := range names {
			current := ""
			if name == cfg.CurrentContext {
				current = "*"
			}
			ctx, err := cfg.GetContext(name)
			if err != nil {
				continue
			}
			timeout := ""
			if d := ctx.Timeout.Duration(); d > 0 {
				timeout = d.String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", current, name, ctx.ServerURL(), timeout)
		}
		w.Flush()
		return nil
	},
}

var (
	addContextServer  string
	addContextTimeout time.Duration
)

var configAddContextCmd = &cobra.Command{
	Use:   "add-context <name>",
	Short: "Create a new context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		name := args[0]

		ctx := &cli.Context{
			Server:  addContextServer,
			Timeout: jsontime.Duration(addContextTimeout),
		}
		if err := cfg.AddContext(name, ctx); err != nil {
			return err
		}
		fmt.Printf("Context %q created (server: %s).\n", name, ctx.ServerURL())
		if cfg.CurrentContext == "" {
			fmt.Printf("Make it the default with: timao config use-context %s\n", name)
		}
		return nil
	},
}

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		name := args[0]

		if err := cfg.DeleteContext(name); err != nil {
			return err
		}
		fmt.Printf("Context %q deleted.\n", name)
		return nil
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Set the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		name := args[0]

		if err := cfg.UseContext(name); err != nil {
			return err
		}
		fmt.Printf("Switched to context %q.\n", name)
		return nil
	},
}

var configCurrentContextCmd = &cobra.Command{
	Use:   "current-context",
	Short: "Display the current context name",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if cfg.CurrentContext == "" {
			fmt.Println("No current context set.")
			return nil
		}
		fmt.Println(cfg.CurrentContext)
		return nil
	},
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Print the client configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		return cli.Output(cfg, cli.OutputOptions{Format: cli.FormatYAML})
	},
}

func init() {
	configAddContextCmd.Flags().StringVar(&addContextServer, "server", "", "server base URL (default "+cli.DefaultServer+")")
	configAddContextCmd.Flags().DurationVar(&addContextTimeout, "timeout", 0, "request timeout for this context")

	configCmd.AddCommand(configListContextsCmd)
	configCmd.AddCommand(configAddContextCmd)
	configCmd.AddCommand(configDeleteContextCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configCurrentContextCmd)
	configCmd.AddCommand(configViewCmd)

	rootCmd.AddCommand(configCmd)
}
