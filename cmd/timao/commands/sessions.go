package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/asr"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/cli"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/danmu"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/live"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "sess"},
	Short:   "Manage live sessions on a running server",
	Long: `Manage live analysis sessions.

Examples:
  timao sessions start --session live-001 --entity host-1
  timao sessions list
  timao sessions get live-001 -o json
  timao sessions push live-001 -f events.json
  timao sessions danmu live-001 --user 观众 --text "这个色号还有货吗"
  timao sessions stop live-001`,
}

var (
	sessionsOutput string
	sessionsQuery  string
)

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var statuses []*live.Status
		if err := client.get(cmd.Context(), "/v1/sessions", &statuses); err != nil {
			return err
		}

		if sessionsOutput != "" {
			return outputResult(statuses)
		}

		if len(statuses) == 0 {
			fmt.Println("No active sessions.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tENTITY\tSTATE\tSTARTED\tCOMMITTED\tRUNS")
		for _, st := range statuses {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
				st.SessionID, st.EntityID, st.State,
				cli.FormatClock(st.StartedAt), st.Committed, st.Runs)
		}
		w.Flush()
		return nil
	},
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get <session>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var status live.Status
		if err := client.get(cmd.Context(), "/v1/sessions/"+args[0], &status); err != nil {
			return err
		}
		return outputResult(&status)
	},
}

var (
	startSessionID   string
	startEntityID    string
	startWindowEvery time.Duration
)

var sessionsStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if startEntityID == "" {
			return fmt.Errorf("--entity is required")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		req := map[string]any{
			"session_id": startSessionID,
			"entity_id":  startEntityID,
		}
		if startWindowEvery > 0 {
			req["window_every"] = jsontime.Duration(startWindowEvery)
		}
		var status live.Status
		if err := client.post(cmd.Context(), "/v1/sessions", req, &status); err != nil {
			return err
		}
		cli.PrintSuccess("Session %s started for entity %s", status.SessionID, status.EntityID)
		return nil
	},
}

var sessionsStopCmd = &cobra.Command{
	Use:   "stop <session>",
	Short: "Stop a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.del(cmd.Context(), "/v1/sessions/"+args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Session %s stopped", args[0])
		return nil
	},
}

// pushEvent is the file format for replayed recognizer events. Times are
// fractional Unix seconds, matching the wire format.
type pushEvent struct {
	Seq        int64   `json:"seq" yaml:"seq"`
	Op         string  `json:"op" yaml:"op"`
	Text       string  `json:"text" yaml:"text"`
	TimeSec    float64 `json:"time_sec" yaml:"time_sec"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
	Speaker    string  `json:"speaker" yaml:"speaker"`
}

var pushFile string

var sessionsPushCmd = &cobra.Command{
	Use:   "push <session>",
	Short: "Push recognizer events from a file",
	Long: `Push recognizer events to a session, in file order.

The file holds a list of events, each with seq, op (append, replace,
final), text and optional time_sec, confidence and speaker fields.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if pushFile == "" {
			return fmt.Errorf("-f is required")
		}
		var events []pushEvent
		if pushFile == "-" {
			if err := cli.LoadRequestFromStdin(&events); err != nil {
				return err
			}
		} else if err := cli.LoadRequest(pushFile, &events); err != nil {
			return err
		}
		if len(events) == 0 {
			return fmt.Errorf("no events in %s", pushFile)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/v1/sessions/" + args[0] + "/events"
		for i, pe := range events {
			op, err := parseOp(pe.Op)
			if err != nil {
				return fmt.Errorf("event %d: %w", i, err)
			}
			ev := asr.Event{
				Seq:        pe.Seq,
				Op:         op,
				Text:       pe.Text,
				Confidence: pe.Confidence,
				Speaker:    pe.Speaker,
			}
			if pe.TimeSec != 0 {
				ev.Time = jsontime.FromUnixSeconds(pe.TimeSec)
			}
			var ack struct {
				Seq int64 `json:"seq"`
			}
			if err := client.post(cmd.Context(), path, &ev, &ack); err != nil {
				return fmt.Errorf("event %d (seq %d): %w", i, pe.Seq, err)
			}
			cli.PrintVerbose(IsVerbose(), "pushed seq %d (%s)", ack.Seq, pe.Op)
		}
		cli.PrintSuccess("Pushed %d events to %s", len(events), args[0])
		return nil
	},
}

var (
	danmuUser string
	danmuText string
	danmuFile string
)

var sessionsDanmuCmd = &cobra.Command{
	Use:   "danmu <session>",
	Short: "Send audience chat to a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var msgs []danmu.Message
		switch {
		case danmuFile != "":
			var raw []struct {
				User    string  `json:"user" yaml:"user"`
				Text    string  `json:"text" yaml:"text"`
				TimeSec float64 `json:"time_sec" yaml:"time_sec"`
			}
			if err := cli.LoadRequest(danmuFile, &raw); err != nil {
				return err
			}
			for _, r := range raw {
				m := danmu.Message{User: r.User, Text: r.Text}
				if r.TimeSec != 0 {
					m.Time = jsontime.FromUnixSeconds(r.TimeSec)
				}
				msgs = append(msgs, m)
			}
		case danmuText != "":
			msgs = []danmu.Message{{User: danmuUser, Text: danmuText, Time: jsontime.NowSeconds()}}
		default:
			return fmt.Errorf("--text or -f is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/v1/sessions/" + args[0] + "/danmu"
		for i, m := range msgs {
			if err := client.post(cmd.Context(), path, &m, nil); err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
		}
		cli.PrintSuccess("Sent %d messages to %s", len(msgs), args[0])
		return nil
	},
}

func parseOp(name string) (asr.Op, error) {
	switch name {
	case "append":
		return asr.OpAppend, nil
	case "replace":
		return asr.OpReplace, nil
	case "final":
		return asr.OpFinal, nil
	}
	return asr.OpUnknown, fmt.Errorf("unknown op %q (want append, replace or final)", name)
}

// outputResult renders a value honoring the -o and --query flags.
func outputResult(v any) error {
	if sessionsQuery != "" {
		q, err := cli.ParseQuery(sessionsQuery)
		if err != nil {
			return err
		}
		out, err := q.Apply(v)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	format := cli.OutputFormat(sessionsOutput)
	if sessionsOutput == "" {
		format = cli.FormatYAML
	}
	return cli.Output(v, cli.OutputOptions{Format: format})
}

func init() {
	sessionsListCmd.Flags().StringVarP(&sessionsOutput, "output", "o", "", "output format (yaml, json)")
	sessionsGetCmd.Flags().StringVarP(&sessionsOutput, "output", "o", "", "output format (yaml, json)")
	sessionsGetCmd.Flags().StringVar(&sessionsQuery, "query", "", "jq expression applied to the result")

	sessionsStartCmd.Flags().StringVar(&startSessionID, "session", "", "session ID (default: generated)")
	sessionsStartCmd.Flags().StringVar(&startEntityID, "entity", "", "entity (host) ID")
	sessionsStartCmd.Flags().DurationVar(&startWindowEvery, "window-every", 0, "analysis cadence, 30s to 60s (default: server setting)")

	sessionsPushCmd.Flags().StringVarP(&pushFile, "file", "f", "", "events file (JSON or YAML list, - for stdin)")

	sessionsDanmuCmd.Flags().StringVar(&danmuUser, "user", "", "chat user name")
	sessionsDanmuCmd.Flags().StringVar(&danmuText, "text", "", "chat message text")
	sessionsDanmuCmd.Flags().StringVarP(&danmuFile, "file", "f", "", "messages file (JSON or YAML list)")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsGetCmd)
	sessionsCmd.AddCommand(sessionsStartCmd)
	sessionsCmd.AddCommand(sessionsStopCmd)
	sessionsCmd.AddCommand(sessionsPushCmd)
	sessionsCmd.AddCommand(sessionsDanmuCmd)

	rootCmd.AddCommand(sessionsCmd)
}
