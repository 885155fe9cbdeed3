package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/mailq/id"
	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/retention"
	"github.com/xraph/mailq/transport"
)

// withEnv opens the configured store for a one-shot command. The engine
// is built but not started; a running daemon picks new jobs up on its next
// wake, or at once when the redis wake channel is enabled.
func (c *cli) withEnv(ctx context.Context, fn func(*env) error) error {
	e, err := openEnv(ctx, c.cfg, c.logger, false)
	if err != nil {
		return err
	}
	defer e.close()
	return fn(e)
}

func enqueueCmd(c *cli) *cobra.Command {
	var (
		key         string
		transportNm string
		maxAttempts int
		notBefore   string
	)
	cmd := &cobra.Command{
		Use:   "enqueue [payload-file|-]",
		Short: "Add a message to the queue",
		Long: "Reads the JSON payload from the named file, or from stdin when the\n" +
			"argument is - or missing. Enqueueing an existing key prints the\n" +
			"existing job.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if transportNm == "smtp" || transportNm == "resend" {
				if _, err := transport.DecodeMessage(payload); err != nil {
					return err
				}
			}

			var opts []job.Option
			if maxAttempts > 0 {
				opts = append(opts, job.WithMaxAttempts(maxAttempts))
			}
			if notBefore != "" {
				t, err := time.Parse(time.RFC3339, notBefore)
				if err != nil {
					return fmt.Errorf("--not-before: %w", err)
				}
				opts = append(opts, job.WithNotBefore(t))
			}

			return c.withEnv(cmd.Context(), func(e *env) error {
				j, err := e.eng.Enqueue(cmd.Context(), key, transportNm, payload, opts...)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), j)
			})
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "idempotency key (required)")
	cmd.Flags().StringVarP(&transportNm, "transport", "t", "smtp", "transport name")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget (default from config)")
	cmd.Flags().StringVar(&notBefore, "not-before", "", "earliest attempt time, RFC 3339")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func readPayload(stdin io.Reader, args []string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("payload is empty")
	}
	return data, nil
}

func statusCmd(c *cli) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show a job by id or idempotency key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (key == "") {
				return errors.New("give either a job id or --key")
			}
			return c.withEnv(cmd.Context(), func(e *env) error {
				var (
					j   *job.Job
					err error
				)
				if key != "" {
					j, err = e.eng.StatusByKey(cmd.Context(), key)
				} else {
					var jobID id.JobID
					if jobID, err = id.ParseJobID(args[0]); err != nil {
						return err
					}
					j, err = e.eng.Status(cmd.Context(), jobID)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), j)
			})
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "look up by idempotency key")
	return cmd
}

func listCmd(c *cli) *cobra.Command {
	var opts job.ListOpts
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.State = job.State(state)
			if state != "" && !opts.State.Valid() {
				return fmt.Errorf("unknown state %q", state)
			}
			return c.withEnv(cmd.Context(), func(e *env) error {
				jobs, err := e.eng.List(cmd.Context(), opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}
	cmd.Flags().StringVarP(&state, "state", "s", "", "filter by state")
	cmd.Flags().StringVarP(&opts.Transport, "transport", "t", "", "filter by transport")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum jobs to print")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "jobs to skip")
	return cmd
}

func cancelCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Withdraw a pending or retrying job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := id.ParseJobID(args[0])
			if err != nil {
				return err
			}
			return c.withEnv(cmd.Context(), func(e *env) error {
				j, err := e.eng.Cancel(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), j)
			})
		},
	}
}

func resubmitCmd(c *cli) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "resubmit <job-id>",
		Short: "Enqueue a terminal job again under a new key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := id.ParseJobID(args[0])
			if err != nil {
				return err
			}
			return c.withEnv(cmd.Context(), func(e *env) error {
				j, err := e.eng.Resubmit(cmd.Context(), jobID, key)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), j)
			})
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "idempotency key of the new job (required)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func purgeCmd(c *cli) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge [job-id]",
		Short: "Remove one terminal job, or every terminal job older than --older-than",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 || (len(args) == 0) == (olderThan == 0) {
				return errors.New("give either a job id or a positive --older-than")
			}
			return c.withEnv(cmd.Context(), func(e *env) error {
				if olderThan > 0 {
					janitor, err := retention.New(e.eng.Store(), olderThan, retention.WithLogger(c.logger))
					if err != nil {
						return err
					}
					n, err := janitor.RunOnce(cmd.Context())
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged %d jobs\n", n)
					return err
				}

				jobID, err := id.ParseJobID(args[0])
				if err != nil {
					return err
				}
				if err := e.eng.Purge(cmd.Context(), jobID); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", jobID)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "purge terminal jobs last updated before now minus this")
	return cmd
}

func statsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print job counts per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEnv(cmd.Context(), func(e *env) error {
				counts, err := e.eng.Counts(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), counts)
			})
		},
	}
}
