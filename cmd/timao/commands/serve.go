package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/cmd/timao/internal/build"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/cmd/timao/internal/config"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/cli"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/flow"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/gateway"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/kv"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/live"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/llm"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/observe"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/persona"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/storage"
)

const shutdownGrace = 15 * time.Second

var (
	serveConfigPath string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the analysis server",
	Long: `Run the timao analysis server.

Configuration is read from ~/.timao/server.yaml (or --config). Model
provider configs live in ~/.timao/models/, one file per provider:

  provider: openai
  api_key: $ARK_API_KEY
  base_url: https://ark.cn-beijing.volces.com/api/v3
  models:
    - name: ark/doubao-pro
      model: doubao-pro-32k-241215

The analysis model is selected with analysis.model in server.yaml and
must match one of the registered model names.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "server config file (default ~/.timao/server.yaml)")
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	paths, err := cli.NewPaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureBaseDir(); err != nil {
		return err
	}

	cfgPath := serveConfigPath
	if cfgPath == "" {
		cfgPath = filepath.Join(paths.BaseDir(), "server.yaml")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}

	level := cfg.Server.LogLevel.Slog()
	if IsVerbose() {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if cfg.Analysis.Model == "" {
		return fmt.Errorf("analysis.model not set in %s", cfgPath)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMeter, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "timao",
		ServiceVersion: build.Version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownMeter(context.Background())

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		if err := paths.EnsureDataDir(); err != nil {
			return err
		}
		dataDir = paths.DataDir()
	}
	db, err := kv.NewBadger(kv.BadgerOptions{Dir: dataDir})
	if err != nil {
		return err
	}
	defer db.Close()
	personas := persona.NewStore(db, persona.WithCap(cfg.Persona.NoteCap))

	modelsDir := cfg.Analysis.ModelsDir
	if modelsDir == "" {
		modelsDir = filepath.Join(paths.BaseDir(), "models")
	}
	mux := llm.NewMux()
	names, err := llm.LoadDir(mux, modelsDir)
	if err != nil {
		return fmt.Errorf("load model configs from %s: %w", modelsDir, err)
	}
	if len(names) == 0 {
		return fmt.Errorf("no usable model configs in %s (check provider API keys)", modelsDir)
	}
	slog.Info("models registered", "count", len(names), "patterns", mux.Patterns())

	var flowOpts []flow.Option
	if cfg.Analysis.Sequential {
		flowOpts = append(flowOpts, flow.WithSequential())
	}
	engine, err := flow.New(&flow.Env{
		Personas:        personas,
		Generator:       mux,
		Model:           cfg.Analysis.Model,
		GenerateTimeout: cfg.Analysis.GenerateTimeout.Duration(),
		TopSignals:      cfg.Analysis.TopSignals,
	}, flowOpts...)
	if err != nil {
		return err
	}

	liveOpts := []live.Option{live.WithMetrics(metrics)}
	if every := cfg.Analysis.WindowEvery.Duration(); every > 0 {
		liveOpts = append(liveOpts, live.WithWindowEvery(every))
	}
	if rt := cfg.Analysis.RunTimeout.Duration(); rt > 0 {
		liveOpts = append(liveOpts, live.WithRunTimeout(rt))
	}
	sink, err := buildArchiveSink(cfg, paths)
	if err != nil {
		return err
	}
	if sink != nil {
		liveOpts = append(liveOpts, live.WithArchive(storage.NewArchive(sink)))
	}

	coord, err := live.New(engine, liveOpts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           gateway.NewServer(coord),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("timao server listening",
			"addr", cfg.Server.ListenAddr, "model", cfg.Analysis.Model, "version", build.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("http shutdown", "err", err)
		}
		if err := coord.Close(shutCtx); err != nil {
			slog.Warn("coordinator close", "err", err)
		}
		return nil
	})
	return g.Wait()
}

// buildArchiveSink constructs the archive backend, or nil for kind
// "none". The config is validated, so unknown kinds cannot reach here.
func buildArchiveSink(cfg *config.Config, paths *cli.Paths) (storage.Sink, error) {
	switch cfg.Storage.Archive.Kind {
	case "none":
		return nil, nil
	case "", "local":
		dir := cfg.Storage.Archive.Dir
		if dir == "" {
			if err := paths.EnsureArchiveDir(); err != nil {
				return nil, err
			}
			dir = paths.ArchiveDir()
		}
		return storage.NewLocal(dir)
	case "s3":
		s3cfg := cfg.Storage.Archive.S3
		client := s3.New(s3.Options{
			Region:      s3cfg.Region,
			Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(envCredentials)),
		}, func(o *s3.Options) {
			if s3cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(s3cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
		return storage.NewS3(client, s3cfg.Bucket, s3cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("archive kind %q", cfg.Storage.Archive.Kind)
	}
}

// envCredentials resolves S3 credentials from the standard AWS
// environment variables.
func envCredentials(context.Context) (aws.Credentials, error) {
	id := os.Getenv("AWS_ACCESS_KEY_ID")
	secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if id == "" || secret == "" {
		return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY not set")
	}
	return aws.Credentials{
		AccessKeyID:     id,
		SecretAccessKey: secret,
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "environment",
	}, nil
}
