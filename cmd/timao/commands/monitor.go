package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/cli"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/flow"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/transcript"
)

var (
	monitorWidth    int
	monitorHeight   int
	monitorLines    int
	monitorInterval time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <entity>",
	Short: "Follow an entity's advice stream in the terminal",
	Long: `Follow an entity's analysis results live.

Connects to the advice websocket and polls the transcript of the
entity's active session. Press Ctrl-C to quit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor(cmd.Context(), args[0])
	},
}

func init() {
	monitorCmd.Flags().IntVar(&monitorWidth, "width", 0, "frame width (default: terminal width)")
	monitorCmd.Flags().IntVar(&monitorHeight, "height", 0, "frame height (default: terminal height)")
	monitorCmd.Flags().IntVar(&monitorLines, "lines", 12, "transcript lines to show")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 2*time.Second, "transcript poll interval")
	rootCmd.AddCommand(monitorCmd)
}

// monitorView holds the data the render loop draws from. One mutex
// guards everything; updates are tiny.
type monitorView struct {
	mu         sync.Mutex
	status     string
	last       *flow.Result
	receivedAt time.Time
	transcript []string
}

func (v *monitorView) setStatus(s string) {
	v.mu.Lock()
	v.status = s
	v.mu.Unlock()
}

func (v *monitorView) setResult(res *flow.Result) {
	v.mu.Lock()
	v.last = res
	v.receivedAt = time.Now()
	v.mu.Unlock()
}

func (v *monitorView) setTranscript(lines []string) {
	v.mu.Lock()
	v.transcript = lines
	v.mu.Unlock()
}

func runMonitor(ctx context.Context, entity string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Route logs into the frame instead of stderr.
	logw := cli.NewLogWriter(200)
	slog.SetDefault(slog.New(slog.NewTextHandler(logw, &slog.HandlerOptions{Level: slog.LevelInfo})))

	view := &monitorView{status: "connecting"}

	wsURL := client.wsURL("/v1/entities/" + entity + "/stream")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close()
	view.setStatus("live")
	slog.Info("connected", "entity", entity, "url", wsURL)

	// Websocket reader.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var res flow.Result
			if err := conn.ReadJSON(&res); err != nil {
				if ctx.Err() == nil {
					slog.Warn("stream closed", "err", err)
				}
				view.setStatus("disconnected")
				return
			}
			view.setResult(&res)
			slog.Info("analysis received",
				"status", res.Status.String(), "elapsed", res.Elapsed.Duration())
		}
	}()

	// Transcript poller.
	go func() {
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pollTranscript(ctx, client, entity, view)
			}
		}
	}()

	styles := cli.NewStyles(cli.DefaultTheme)
	frame := cli.Frame{
		Styles: styles,
		Title:  "timao · " + entity,
		Help:   "Ctrl-C quit",
		Sections: []cli.Section{
			{Label: "建议", Content: func() []string { return adviceLines(view) }},
			{Label: "转写", Content: func() []string { return transcriptLines(view) }},
			{Label: "日志", Content: logw.Lines},
		},
	}

	render := time.NewTicker(500 * time.Millisecond)
	defer render.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Print("\033[2J\033[H")
			return nil
		case <-done:
			fmt.Print("\033[2J\033[H")
			return fmt.Errorf("stream to %s closed", entity)
		case <-render.C:
			view.mu.Lock()
			frame.Status = view.status
			view.mu.Unlock()
			w, h := frameSize()
			fmt.Print("\033[H\033[2J" + frame.Render(w, h))
		}
	}
}

func frameSize() (int, int) {
	w, h := monitorWidth, monitorHeight
	if w == 0 || h == 0 {
		if tw, th, err := term.GetSize(os.Stdout.Fd()); err == nil {
			if w == 0 {
				w = tw
			}
			if h == 0 {
				h = th
			}
		}
	}
	if w <= 0 {
		w = 100
	}
	if h <= 0 {
		h = 32
	}
	return w, h
}

func pollTranscript(ctx context.Context, client *apiClient, entity string, view *monitorView) {
	var entries []*transcript.Entry
	path := fmt.Sprintf("/v1/entities/%s/transcript?n=%d", entity, monitorLines)
	if err := client.get(ctx, path, &entries); err != nil {
		// No active session is normal between streams.
		slog.Debug("transcript poll", "err", err)
		return
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		mark := " "
		if !e.Final {
			mark = "~"
		}
		speaker := ""
		if e.Speaker != "" {
			speaker = e.Speaker + ": "
		}
		lines = append(lines, fmt.Sprintf("%s%s %s%s",
			mark, e.Time.Time().Local().Format("15:04:05"), speaker, e.Text))
	}
	view.setTranscript(lines)
}

func transcriptLines(view *monitorView) []string {
	view.mu.Lock()
	defer view.mu.Unlock()
	if len(view.transcript) == 0 {
		return []string{"(无转写)"}
	}
	return view.transcript
}

// adviceLines renders the latest analysis result as frame content.
func adviceLines(view *monitorView) []string {
	view.mu.Lock()
	res, at := view.last, view.receivedAt
	view.mu.Unlock()

	if res == nil {
		return []string{"等待首个分析窗口..."}
	}

	head := fmt.Sprintf("%s · %s · 耗时 %s",
		at.Format("15:04:05"), res.Status, cli.FormatDuration(res.Elapsed.Duration()))
	if res.Model != "" {
		head += " · " + res.Model
	}
	lines := []string{head}

	if res.Status != flow.StatusOK {
		lines = append(lines, fmt.Sprintf("分析失败 (%s): %s", res.FailedStage, res.Error))
		return lines
	}

	if res.Summary != "" {
		lines = append(lines, "摘要: "+res.Summary)
	}
	if card := res.Card; card != nil {
		if card.Overview != "" {
			lines = append(lines, card.Overview)
		}
		for _, h := range card.Highlights {
			lines = append(lines, "亮点: "+h)
		}
		for _, r := range card.Risks {
			lines = append(lines, "风险: "+r)
		}
		for _, a := range card.NextActions {
			lines = append(lines, "→ "+a)
		}
		lines = append(lines, fmt.Sprintf("情绪 %s · 置信度 %.2f", card.Sentiment, card.Confidence))
	}
	return lines
}
