package commands

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/cli"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/kv"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/persona"
)

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Inspect and edit stored host personas",
	Long: `Inspect and edit persona memory.

Persona records live in the server's data directory. Run these commands
against a stopped server, or point --data-dir at a copy.

Examples:
  timao persona list
  timao persona get host-1 -o json
  timao persona apply -f persona.yaml
  timao persona delete host-1`,
}

var (
	personaDataDir string
	personaOutput  string
	personaQuery   string
	personaFile    string
)

// testPersonaStore lets tests inject an in-memory store.
var testPersonaStore *persona.Store

func openPersonaStore() (*persona.Store, func() error, error) {
	if testPersonaStore != nil {
		return testPersonaStore, func() error { return nil }, nil
	}
	dir := personaDataDir
	if dir == "" {
		paths, err := cli.NewPaths()
		if err != nil {
			return nil, nil, err
		}
		if err := paths.EnsureDataDir(); err != nil {
			return nil, nil, err
		}
		dir = paths.DataDir()
	}
	db, err := kv.NewBadger(kv.BadgerOptions{Dir: dir})
	if err != nil {
		return nil, nil, fmt.Errorf("open persona store at %s (server still running?): %w", dir, err)
	}
	return persona.NewStore(db), db.Close, nil
}

var personaListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List persona records",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openPersonaStore()
		if err != nil {
			return err
		}
		defer closeStore()

		entities, err := store.Entities(cmd.Context())
		if err != nil {
			return err
		}
		if len(entities) == 0 {
			fmt.Println("No persona records.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ENTITY\tTONE\tTABOO\tHIGHLIGHTS\tSETBACKS")
		for _, id := range entities {
			rec, err := store.Get(cmd.Context(), id)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
				rec.EntityID, rec.Tone, len(rec.TabooTopics), len(rec.Highlights), len(rec.Setbacks))
		}
		w.Flush()
		return nil
	},
}

var personaGetCmd = &cobra.Command{
	Use:   "get <entity>",
	Short: "Show one persona record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openPersonaStore()
		if err != nil {
			return err
		}
		defer closeStore()

		rec, err := store.Get(cmd.Context(), args[0])
		if errors.Is(err, persona.ErrNotFound) {
			return fmt.Errorf("no persona record for %q", args[0])
		}
		if err != nil {
			return err
		}

		if personaQuery != "" {
			q, err := cli.ParseQuery(personaQuery)
			if err != nil {
				return err
			}
			out, err := q.Apply(rec)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		}
		format := cli.OutputFormat(personaOutput)
		if personaOutput == "" {
			format = cli.FormatYAML
		}
		return cli.Output(rec, cli.OutputOptions{Format: format})
	},
}

// personaSpec is the file format for persona apply. Only tone and taboo
// topics are editable; note history belongs to the workflow.
type personaSpec struct {
	EntityID    string   `json:"entity_id" yaml:"entity_id"`
	Tone        string   `json:"tone" yaml:"tone"`
	TabooTopics []string `json:"taboo_topics" yaml:"taboo_topics"`
}

var personaApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update persona records from a file",
	Long: `Apply persona settings from a YAML or JSON file.

The file holds one record or a list of records:

  entity_id: host-1
  tone: 热情专业
  taboo_topics:
    - 竞品价格
    - 库存数量

Existing highlight and setback notes are preserved.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if personaFile == "" {
			return fmt.Errorf("-f is required")
		}

		var specs []personaSpec
		if err := cli.LoadRequest(personaFile, &specs); err != nil {
			// Retry as a single record document.
			var one personaSpec
			if err2 := cli.LoadRequest(personaFile, &one); err2 != nil {
				return err
			}
			specs = []personaSpec{one}
		}
		if len(specs) == 0 {
			return fmt.Errorf("no records in %s", personaFile)
		}

		store, closeStore, err := openPersonaStore()
		if err != nil {
			return err
		}
		defer closeStore()

		for i, spec := range specs {
			if spec.EntityID == "" {
				return fmt.Errorf("record %d: entity_id required", i)
			}
			rec, err := store.Load(cmd.Context(), spec.EntityID)
			if err != nil {
				return err
			}
			if spec.Tone != "" {
				rec.Tone = spec.Tone
			}
			if spec.TabooTopics != nil {
				rec.TabooTopics = spec.TabooTopics
			}
			if err := store.Save(cmd.Context(), rec); err != nil {
				return err
			}
			cli.PrintVerbose(IsVerbose(), "applied persona %s", spec.EntityID)
		}
		cli.PrintSuccess("Applied %d persona records", len(specs))
		return nil
	},
}

var personaDeleteCmd = &cobra.Command{
	Use:   "delete <entity>",
	Short: "Delete a persona record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openPersonaStore()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := store.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Persona %s deleted", args[0])
		return nil
	},
}

func init() {
	personaCmd.PersistentFlags().StringVar(&personaDataDir, "data-dir", "", "server data directory (default ~/.timao/data)")
	personaGetCmd.Flags().StringVarP(&personaOutput, "output", "o", "", "output format (yaml, json)")
	personaGetCmd.Flags().StringVar(&personaQuery, "query", "", "jq expression applied to the record")
	personaApplyCmd.Flags().StringVarP(&personaFile, "file", "f", "", "persona file (YAML or JSON)")

	personaCmd.AddCommand(personaListCmd)
	personaCmd.AddCommand(personaGetCmd)
	personaCmd.AddCommand(personaApplyCmd)
	personaCmd.AddCommand(personaDeleteCmd)

	rootCmd.AddCommand(personaCmd)
}
