package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kilometers.ai/authlayer/internal/core/domain"
)

// probeResult tallies the outcome of a concurrent burst
type probeResult struct {
	mu       sync.Mutex
	ok       int
	failures map[string]int
}

func (r *probeResult) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err == nil {
		r.ok++
		return
	}
	r.failures[classifyError(err)]++
}

// classifyError names the access layer outcome of err
func classifyError(err error) string {
	var (
		herr   *domain.HTTPError
		netErr *domain.NetworkError
	)
	switch {
	case domain.IsSessionExpired(err):
		return "session expired"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.As(err, &netErr):
		return "network error"
	case errors.As(err, &herr):
		return fmt.Sprintf("http %d", herr.StatusCode)
	default:
		return "other"
	}
}

// newProbeCommand creates the probe command
func newProbeCommand(a *app) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "probe <path>",
		Short: "Fire concurrent requests to exercise token refresh",
		Long: `Send the same GET request from many goroutines at once and summarize the
outcomes. With an expired access token every request is parked behind a
single refresh and retried once.`,
		Example: `  authlayer probe /api/me -n 50`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency < 1 {
				return fmt.Errorf("concurrency must be at least 1")
			}

			container, err := a.build(true)
			if err != nil {
				return err
			}
			if _, err := container.StartMetricsServer(cmd.Context()); err != nil {
				return err
			}

			before := container.Client.Credential()
			result := &probeResult{failures: make(map[string]int)}
			start := time.Now()

			var g errgroup.Group
			for i := 0; i < concurrency; i++ {
				g.Go(func() error {
					_, err := container.Client.Get(cmd.Context(), args[0])
					result.record(err)
					return nil
				})
			}
			g.Wait()

			after := container.Client.Credential()
			printProbeSummary(cmd, result, concurrency, time.Since(start), before, after)
			return nil
		},
	}

	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 10, "Number of concurrent requests")

	return cmd
}

func printProbeSummary(cmd *cobra.Command, r *probeResult, total int, elapsed time.Duration, before, after domain.Credential) {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%d requests in %s", total, elapsed.Round(time.Millisecond))))
	fmt.Fprintln(out, field("Succeeded", okStyle.Render(fmt.Sprint(r.ok))))

	classes := make([]string, 0, len(r.failures))
	for class := range r.failures {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		fmt.Fprintln(out, field("Failed", errStyle.Render(fmt.Sprintf("%d (%s)", r.failures[class], class))))
	}

	switch {
	case after.IsZero() && !before.IsZero():
		fmt.Fprintln(out, field("Session", errStyle.Render("ended, credentials cleared")))
	case before.AccessToken != after.AccessToken:
		fmt.Fprintln(out, field("Session", okStyle.Render("token refreshed")))
	default:
		fmt.Fprintln(out, field("Session", dimStyle.Render("unchanged")))
	}
}
