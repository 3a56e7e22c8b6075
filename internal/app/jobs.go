package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmsv23/email-sort/internal/db"
	"github.com/jmsv23/email-sort/internal/models"
	"github.com/jmsv23/email-sort/internal/queue"
)

var failedJobsLimit int

var failedJobsCmd = &cobra.Command{
	Use:   "failed-jobs",
	Short: "List dead jobs",
	Long:  "Lists jobs that exhausted their retry attempts, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		if err := db.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		q := queue.NewPostgres(db.Pool)
		for _, jobType := range []string{models.JobTypeProcessNewMessage, models.JobTypeUnsubscribe} {
			jobs, err := q.ListFailed(ctx, jobType, failedJobsLimit)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d failed\n", jobType, len(jobs))
			for _, job := range jobs {
				lastError := ""
				if job.LastError != nil {
					lastError = *job.LastError
				}
				fmt.Printf("  #%d  attempts %d/%d  %s  %s\n",
					job.ID, job.AttemptsMade, job.MaxAttempts, job.UpdatedAt.Format("2006-01-02 15:04:05"), lastError)
			}
		}

		return nil
	},
}

func init() {
	failedJobsCmd.Flags().IntVar(&failedJobsLimit, "limit", 20, "Maximum jobs listed per type")
	rootCmd.AddCommand(failedJobsCmd)
}
