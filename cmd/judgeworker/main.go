// Command judgeworker runs one dispatch loop (spec §4.G) against a
// single stream/group/consumer, selecting the isolate or warm-fork
// executor per JUDGE_TORCH_EXECUTION_MODE (torch profile only; light
// always uses isolate). Grounded on worker.py's CLI entrypoint and main
// loop; the flag surface mirrors spec §6's "CLI surface of the worker".
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/judge/judge/config"
	"github.com/judge/judge/internal/dispatch"
	"github.com/judge/judge/internal/isolate"
	"github.com/judge/judge/internal/judgeconfig"
	"github.com/judge/judge/internal/metrics"
	"github.com/judge/judge/internal/problems"
	"github.com/judge/judge/internal/queue"
	"github.com/judge/judge/internal/results"
	"github.com/judge/judge/internal/warmfork"
)

// workerFlags is the spec §6 CLI surface: --stream, --group,
// --consumer, --reclaim-interval.
type workerFlags struct {
	stream          string
	group           string
	consumer        string
	reclaimInterval time.Duration
}

func parseFlags(args []string) (*workerFlags, error) {
	fs := flag.NewFlagSet("judgeworker", flag.ContinueOnError)
	f := &workerFlags{}
	fs.StringVar(&f.stream, "stream", "queue:light", "queue stream to consume (queue:light or queue:torch)")
	fs.StringVar(&f.group, "group", "", "consumer group; defaults to workers-light/workers-torch for the stream")
	fs.StringVar(&f.consumer, "consumer", "", "consumer name; must end in a digit identifying the worker index")
	fs.DurationVar(&f.reclaimInterval, "reclaim-interval", 30*time.Second, "how often to autoclaim stale deliveries")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.consumer == "" {
		return nil, fmt.Errorf("--consumer is required")
	}
	if f.group == "" {
		f.group = groupForStream(f.stream)
	}
	return f, nil
}

// profileForStream maps the consumed queue stream onto the worker
// profile that selects box-id numbering and executor choice, per spec
// §6's stream-to-group table.
func profileForStream(stream string) string {
	if stream == "queue:torch" {
		return "torch"
	}
	return "light"
}

func groupForStream(stream string) string {
	if stream == "queue:torch" {
		return "workers-torch"
	}
	return "workers-light"
}

func main() {
	// Must run before any other initialization: when this process is a
	// warm-fork child re-exec, MaybeRunChild takes over entirely and
	// never returns.
	warmfork.MaybeRunChild(os.Args)

	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "judgeworker: %v\n", err)
		os.Exit(1)
	}

	workerIndex, err := isolate.ParseWorkerIndex(flags.consumer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "judgeworker: %v\n", err)
		os.Exit(1)
	}
	profile := profileForStream(flags.stream)

	settings, err := judgeconfig.Load(&config.Env{Prefix: "JUDGE_"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "judgeworker: load settings: %v\n", err)
		os.Exit(1)
	}

	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "judgeworker-"+profile, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: parseRedisAddr(settings.RedisURL)})
	defer rdb.Close()
	q := queue.New(rdb)

	pool, err := pgxpool.New(ctx, settings.ResultsDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "judgeworker: connect results store: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()
	resultsStore := results.New(pool)

	probs := problems.NewStore(settings.ProblemsRoot)
	wireProblemsMirror(probs, settings)
	judgeMetrics := metrics.New()

	exec, err := buildExecutor(settings, profile, workerIndex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "judgeworker: build executor: %v\n", err)
		os.Exit(1)
	}

	loop := &dispatch.Loop{
		Queue:            q,
		Results:          resultsStore,
		Problems:         probs,
		Executor:         exec,
		Metrics:          judgeMetrics,
		Logger:           logger,
		Stream:           flags.stream,
		Group:            flags.group,
		Consumer:         flags.consumer,
		BlockMS:          5000,
		ReclaimInterval:  flags.reclaimInterval,
		ReclaimMinIdleMS: int64(settings.JobClaimIdleMS),
		ReclaimCount:     settings.JobClaimCount,
		MaxOutputChars:   settings.MaxOutputChars,
	}

	if err := loop.Run(ctx); err != nil {
		if errors.Is(err, dispatch.ErrNeedsRecycle) {
			// A supervisor (systemd, k8s restart policy) is expected to
			// start a fresh process in our place.
			os.Exit(75) // EX_TEMPFAIL
		}
		fmt.Fprintf(os.Stderr, "judgeworker: loop exited: %v\n", err)
		os.Exit(1)
	}
}

// buildExecutor wires isolate for light and for torch-under-isolate, or
// warm-fork for torch-under-warm_fork, per settings.TorchExecutionMode.
func buildExecutor(settings *judgeconfig.Settings, profile string, workerIndex int) (dispatch.Executor, error) {
	if profile == "torch" && settings.TorchExecutionMode == "warm_fork" {
		wf, err := warmfork.New(warmfork.Options{
			EnableNoNewPrivs:  settings.WarmForkEnableNoNewPrivs,
			EnableSeccomp:     settings.WarmForkEnableSeccomp,
			SeccompFailClosed: settings.WarmForkSeccompFailClosed,
			ClearEnv:          settings.WarmForkClearEnv,
			DenyFilesystem:    settings.WarmForkDenyFilesystem,
			AllowRoot:         settings.WarmForkAllowRoot,
			ChildNofile:       settings.WarmForkChildNofile,
			EnableCgroup:      settings.WarmForkEnableCgroup,
			MaxJobs:           settings.WarmForkMaxJobs,
			PythonBin:         settings.PythonBin,
		})
		if err != nil {
			return nil, err
		}
		return &dispatch.WarmForkAdapter{
			Exec:         wf,
			FsizeKB:      settings.IsolateFsizeKB,
			ProcessLimit: settings.IsolateProcessLimit,
			GraceS:       settings.IsolateTimeoutGraceS,
		}, nil
	}

	boxID, err := isolate.DeriveBoxID(profile, workerIndex)
	if err != nil {
		return nil, err
	}
	isolateExec := isolate.New(isolate.Config{
		Executable:     settings.IsolateBin,
		BoxID:          boxID,
		UseCgroups:     settings.IsolateUseCgroups,
		ProcessLimit:   settings.IsolateProcessLimit,
		WallTimeExtraS: settings.IsolateWallExtraS,
		TimeoutGraceS:  settings.IsolateTimeoutGraceS,
		FsizeKB:        settings.IsolateFsizeKB,
		RuntimeDir:     os.TempDir(),
	})
	return &dispatch.IsolateAdapter{Exec: isolateExec}, nil
}

// wireProblemsMirror attaches the problem store's optional remote
// fallback when JUDGE_PROBLEMS_MIRROR_ENDPOINT is set; startup continues
// without it on any client construction error, matching the mirror's
// purely-supplementary role.
func wireProblemsMirror(probs *problems.Store, settings *judgeconfig.Settings) {
	if settings.ProblemsMirrorEndpoint == "" {
		return
	}
	client, err := minio.New(settings.ProblemsMirrorEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(settings.ProblemsMirrorAccessKey, settings.ProblemsMirrorSecretKey, ""),
		Secure: settings.ProblemsMirrorUseSSL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "judgeworker: problems mirror disabled: %v\n", err)
		return
	}
	probs.SetMirror(problems.NewMinioMirror(client), settings.ProblemsMirrorBucket)
}

// parseRedisAddr accepts a redis:// URL or a bare host:port; worker
// startup is the one place a malformed URL should just degrade to the
// literal string rather than fail fast on an unrelated settings bug.
func parseRedisAddr(raw string) string {
	const schemePrefix = "redis://"
	addr := raw
	if len(addr) > len(schemePrefix) && addr[:len(schemePrefix)] == schemePrefix {
		addr = addr[len(schemePrefix):]
	}
	for i := 0; i < len(addr); i++ {
		if addr[i] == '/' {
			return addr[:i]
		}
	}
	return addr
}
