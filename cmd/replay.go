// File: cmd/replay.go
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sessiontap/sessiontap/internal/observability"
	"github.com/sessiontap/sessiontap/internal/replay"
)

func newReplayCmd() *cobra.Command {
	var (
		sessionPath string
		targetURL   string
	)

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Probe a target with the auth artifacts of a recorded session",
		Long: `Loads a persisted session log, rebuilds the authentication state it
captured (freshest bearer token, cookie jar), and issues a single probe
request to verify the artifacts are still live. The probe reports status,
bytes read and timing; it never follows redirects, so the hop it reports
matches what the capture recorded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			log, err := replay.LoadSession(sessionPath)
			if err != nil {
				return err
			}
			logger.Info("Session loaded",
				zap.String("path", sessionPath),
				zap.String("session_id", log.SessionID),
				zap.Int("requests", len(log.Requests)))

			prober := replay.NewProber(loadedConfig, logger)
			result, err := prober.Probe(ctx, log, targetURL)
			if err != nil {
				return err
			}

			fmt.Printf("%d %s %s (%d bytes in %s", result.Status, result.StatusText, result.URL, result.BytesRead, result.Duration.Round(time.Millisecond))
			fmt.Printf("; bearer=%t, cookies=%d)\n", result.TokenUsed, result.CookiesSent)
			return nil
		},
	}

	replayCmd.Flags().StringVar(&sessionPath, "session", "", "path to a persisted session JSON log (required)")
	replayCmd.Flags().StringVar(&targetURL, "url", "", "probe URL (default: the session's own target)")
	_ = replayCmd.MarkFlagRequired("session")

	return replayCmd
}
