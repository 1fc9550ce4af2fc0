package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"media-pipeline/internal/config"
	"media-pipeline/internal/logging"
	"media-pipeline/internal/models"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/store"
)

var (
	cfg config.Config
	log *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "pipelinectl",
	Short:         "Operate the video processing queue",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		cfg = config.Load()
		log = logging.New(cfg.LogLevel, "text")
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue post-id source-url",
	Short: "Queue a video post for processing",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		q, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer q.Close()

		h, err := q.Enqueue(cmd.Context(), models.VideoJob{PostID: args[0], SourceURL: args[1], OwnerID: owner})
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		if h.Disabled {
			fmt.Printf("Queue disabled, job %s was not stored\n", h.ID)
			return nil
		}
		fmt.Printf("Job enqueued: %s\n", h.ID)
		return nil
	},
}

var depthCmd = &cobra.Command{
	Use:   "depth",
	Short: "Show how many jobs wait in the ready list",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer q.Close()

		n, err := q.Depth(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered jobs",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt64("limit")
		q, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer q.Close()

		jobs, err := q.DeadJobs(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No dead-lettered jobs")
			return nil
		}
		fmt.Printf("Dead-lettered jobs (%d)\n", len(jobs))
		fmt.Println(strings.Repeat("=", 100))
		fmt.Printf("%-36s %-20s %-8s %-20s %s\n", "ID", "POST", "ATTEMPT", "FAILED_AT", "LAST_ERROR")
		fmt.Println(strings.Repeat("-", 100))
		for _, j := range jobs {
			failedAt := "-"
			if j.FailedAt != nil {
				failedAt = j.FailedAt.Format(time.RFC3339)
			}
			fmt.Printf("%-36s %-20s %-8d %-20s %s\n", j.ID, j.PostID, j.Attempt, failedAt, j.LastError)
		}
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry job-id",
	Short: "Move a dead-lettered job back to the ready list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer q.Close()

		if err := q.Replay(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("replay %s: %w", args[0], err)
		}
		fmt.Printf("Job %s requeued with a fresh attempt budget\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status post-id",
	Short: "Show a post's processing status and recent job history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		post, err := st.GetPost(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Post:      %s\n", post.ID)
		fmt.Printf("Status:    %s\n", post.ProcessingStatus)
		fmt.Printf("Manifest:  %s\n", deref(post.HLSManifestURL))
		fmt.Printf("Thumbnail: %s\n", deref(post.ThumbnailURL))

		trail, err := st.AuditTrail(cmd.Context(), post.ID, 10)
		if err != nil || len(trail) == 0 {
			return err
		}
		fmt.Println(strings.Repeat("-", 80))
		for _, e := range trail {
			fmt.Printf("%-25s %-16s %-36s %s\n", e.Recorded.Format(time.RFC3339), e.Event, e.JobID, e.Detail)
		}
		return nil
	},
}

func openQueue(ctx context.Context) (queue.Queue, error) {
	if !cfg.QueueEnabled() {
		return queue.NewDisabled(log), nil
	}
	client := queue.NewClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr(), err)
	}
	return queue.NewRedisQueue(client, cfg), nil
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func init() {
	enqueueCmd.Flags().String("owner", "", "Owner id recorded on the job")
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(depthCmd)

	dlqListCmd.Flags().Int64P("limit", "n", 50, "Maximum number of jobs to list")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)

	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
