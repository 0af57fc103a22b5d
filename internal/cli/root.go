// Package cli implements mailctl, the operator tool for the email queue.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"MailQueue/internal/config"
	"MailQueue/internal/csvparser"
	"MailQueue/internal/models"
	"MailQueue/internal/queue"
	"MailQueue/internal/retry"
)

type Config struct {
	Out io.Writer
}

func DefaultConfig() Config {
	return Config{Out: os.Stdout}
}

type runtimeState struct {
	out      io.Writer
	redisURL string
	prefix   string
	output   string
	verbose  bool

	cfg   *config.Config
	rdb   *redis.Client
	queue *queue.Queue
}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{out: cfg.Out}

	root := &cobra.Command{
		Use:           "mailctl",
		Short:         "Inspect and operate the email queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.out == nil {
				rt.out = os.Stdout
			}
			return rt.connect()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if rt.rdb != nil {
				_ = rt.rdb.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&rt.redisURL, "redis-url", "", "Redis URL (default $REDIS_URL)")
	root.PersistentFlags().StringVar(&rt.prefix, "prefix", "", "Queue key prefix (default $QUEUE_PREFIX)")
	root.PersistentFlags().StringVarP(&rt.output, "output", "o", "text", "Output format: text or json")
	root.PersistentFlags().BoolVarP(&rt.verbose, "verbose", "v", false, "Log queue operations")

	root.AddCommand(
		newStatsCommand(rt),
		newReclaimCommand(rt),
		newRequeueCommand(rt),
		newEnqueueCommand(rt),
	)
	return root
}

func (rt *runtimeState) connect() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt.cfg = cfg

	url := rt.redisURL
	if url == "" {
		url = cfg.RedisURL
	}
	prefix := rt.prefix
	if prefix == "" {
		prefix = cfg.QueuePrefix
	}

	rdb, err := queue.NewClient(url)
	if err != nil {
		return err
	}
	rt.rdb = rdb

	logger := zap.NewNop()
	if rt.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}

	policy := retry.Policy{
		Ceiling:    cfg.RetryCeiling,
		Base:       cfg.BackoffBase,
		Multiplier: cfg.BackoffMultiplier,
		Max:        cfg.BackoffMax,
		Jitter:     cfg.BackoffJitter,
	}
	rt.queue = queue.New(rdb, prefix, policy, logger)
	return nil
}

func (rt *runtimeState) printJSON(v any) error {
	enc := json.NewEncoder(rt.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatsCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth per priority, processing and failed counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := rt.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if rt.output == "json" {
				return rt.printJSON(s)
			}

			for _, p := range models.Priorities {
				fmt.Fprintf(rt.out, "queued %-6s  %d\n", p, s.Queued[p])
			}
			fmt.Fprintf(rt.out, "processing     %d\n", s.Processing)
			fmt.Fprintf(rt.out, "failed         %d\n", s.Failed)
			fmt.Fprintf(rt.out, "completed      %d\n", s.Completed)
			fmt.Fprintf(rt.out, "oldest queued  %s\n", s.OldestQueuedAge.Round(time.Second))
			if s.LastHeartbeat.IsZero() {
				fmt.Fprintf(rt.out, "last heartbeat never (%d workers)\n", s.Workers)
			} else {
				fmt.Fprintf(rt.out, "last heartbeat %s (%d workers)\n", s.LastHeartbeat.Format(time.RFC3339), s.Workers)
			}
			return nil
		},
	}
}

func newReclaimCommand(rt *runtimeState) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return jobs stuck in processing to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				olderThan = rt.cfg.StaleAfter
			}
			n, err := rt.queue.ReclaimStale(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "reclaimed %d job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Staleness threshold (default $STALE_AFTER)")
	return cmd
}

func newRequeueCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue JOB_ID...",
		Short: "Put failed jobs back in the queue, keeping their attempt count",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var errs []error
			for _, id := range args {
				job, err := rt.queue.Requeue(cmd.Context(), id)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(rt.out, "requeued %s (attempts %d)\n", job.ID, job.Attempts)
			}
			return errors.Join(errs...)
		},
	}
}

func newEnqueueCommand(rt *runtimeState) *cobra.Command {
	var (
		csvPath  string
		to       string
		subject  string
		template string
		priority string
		vars     []string
		delay    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue one email, or one per row of a CSV file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := buildJobs(csvPath, to, subject, template, priority, vars)
			if err != nil {
				return err
			}

			var opts []queue.EnqueueOption
			if delay > 0 {
				opts = append(opts, queue.WithDelay(delay))
			}

			for _, job := range jobs {
				id, err := rt.queue.Enqueue(cmd.Context(), job, opts...)
				if err != nil {
					return fmt.Errorf("enqueue %s: %w", job.Recipient, err)
				}
				fmt.Fprintln(rt.out, id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "CSV file with Email, Subject, Template and variable columns")
	cmd.Flags().StringVar(&to, "to", "", "Recipient address")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject line")
	cmd.Flags().StringVar(&template, "template", "", "Template name")
	cmd.Flags().StringVar(&priority, "priority", "", "high, normal or low")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Template variable as key=value (repeatable)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Hold the job back for this long")
	cmd.MarkFlagsMutuallyExclusive("csv", "to")
	return cmd
}

func buildJobs(csvPath, to, subject, template, priority string, vars []string) ([]*models.EmailJob, error) {
	if csvPath != "" {
		f, err := os.Open(csvPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return csvparser.ParseJobs(f, 0)
	}

	if to == "" {
		return nil, errors.New("either --to or --csv is required")
	}

	p, err := models.ParsePriority(priority)
	if err != nil {
		return nil, err
	}

	m := make(map[string]any, len(vars))
	for _, kv := range vars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--var %q is not key=value", kv)
		}
		m[k] = v
	}

	return []*models.EmailJob{{
		Recipient: to,
		Subject:   subject,
		Template:  template,
		Priority:  p,
		Vars:      m,
	}}, nil
}
