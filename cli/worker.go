package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/evaluation"
	"github.com/quarryhq/quarry/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run the background job worker",
	Long: `Consumes the configured queues and executes document processing,
knowledge base teardown, test set generation and experiment jobs. Rows
stranded in transient states by a previous shutdown are repaired before
the first job runs.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	processor, err := rt.buildProcessor()
	if err != nil {
		return err
	}
	ret, err := rt.buildRetriever()
	if err != nil {
		return err
	}

	chatFor := rt.chatFactory()
	generator := evaluation.NewGenerator(
		rt.store, rt.blobs, rt.idx, chatFor,
		rt.cfg.Evaluation.TestsetSize, rt.log,
	)
	runner := evaluation.NewRunner(
		rt.store, rt.blobs, ret, chatFor,
		rt.cfg.Evaluation.BatchSize, rt.log,
	)

	w := worker.New(
		rt.queue, rt.store,
		rt.cfg.Worker.Queues, rt.cfg.Worker.MaxJobs, rt.cfg.Worker.SweepInterval,
		rt.log,
	)
	worker.RegisterHandlers(w, worker.Deps{
		Processor: processor,
		Generator: generator,
		Runner:    runner,
	})

	rt.log.WithField("queues", rt.cfg.Worker.Queues).Info("worker running")
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	rt.log.Info("worker stopped")
	return nil
}
