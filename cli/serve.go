package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/api"
	"github.com/quarryhq/quarry/auth"
	"github.com/quarryhq/quarry/rag"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP API server",
	Long: `Runs the API: authentication, knowledge base and document management,
chat completion and evaluation endpoints. Database migrations run at
startup; the process drains in-flight requests on SIGINT/SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.store.Migrate(); err != nil {
		return err
	}

	ret, err := rt.buildRetriever()
	if err != nil {
		return err
	}
	processor, err := rt.buildProcessor()
	if err != nil {
		return err
	}

	orchestrator := rag.New(
		rt.store, rt.ledger, ret, rt.chatFactory(),
		rag.Limits{
			DailyRequests: rt.cfg.Quota.DailyRequests,
			DailyTokens:   rt.cfg.Quota.DailyTokens,
		},
		rt.log,
	)

	tokens := auth.NewTokenService(rt.cfg.Auth.JWTSecret, rt.cfg.Auth.TokenExpiration)

	server := api.New(api.Deps{
		Config:       rt.cfg,
		Store:        rt.store,
		Blobs:        rt.blobs,
		Queue:        rt.queue,
		Tokens:       tokens,
		Orchestrator: orchestrator,
		Processor:    processor,
		Log:          rt.log,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rt.log.Info("shutting down")
	return server.Shutdown(context.Background())
}
