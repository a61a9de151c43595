package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tunnelmesh/objrepo/internal/metrics"
	"github.com/tunnelmesh/objrepo/internal/repo"
)

type scrubResult struct {
	Type string `json:"type"`
	repo.ScrubReport
	Error string `json:"error,omitempty"`
}

func newScrubCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrub [type...]",
		Short: "Read every object so that stale backends get repaired",
		Long: `Read every object of the given types (all configured types by default),
tombstones included. Each read repairs backends that hold an older version or
none at all. The command waits for the repairs and prints a report per type.

With --metrics-addr, Prometheus metrics are served while the scrub runs.`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); err == nil {
					err = cerr
				}
			}()

			if addr := v.GetString("metrics-addr"); addr != "" {
				stop, err := serveMetrics(addr)
				if err != nil {
					return err
				}
				defer stop()
			}

			var (
				results []scrubResult
				errs    []error
			)
			for _, name := range typeNames(a, args) {
				res := scrubResult{Type: name}
				r, err := a.repository(name)
				if err == nil {
					res.ScrubReport, err = r.Scrub(cmd.Context())
				}
				if err != nil {
					res.Error = err.Error()
					errs = append(errs, err)
				}
				results = append(results, res)
			}
			if err := printJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address during the scrub")
	return cmd
}

// serveMetrics serves /metrics on addr until the returned stop is called.
func serveMetrics(addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
