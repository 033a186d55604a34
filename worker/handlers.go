package worker

import (
	"context"

	"github.com/quarryhq/quarry/evaluation"
	"github.com/quarryhq/quarry/pipeline"
	"github.com/quarryhq/quarry/queue"
)

// Deps are the components the job handlers dispatch into.
type Deps struct {
	Processor *pipeline.Processor
	Generator *evaluation.Generator
	Runner    *evaluation.Runner
}

// RegisterHandlers binds the function table to its implementations.
func RegisterHandlers(w *Worker, deps Deps) {
	w.Register(queue.FnProcessDocument, func(ctx context.Context, job *queue.Job) error {
		var args queue.ProcessDocumentArgs
		if err := job.UnmarshalArgs(&args); err != nil {
			return err
		}
		return deps.Processor.Process(ctx, args.DocumentID)
	})

	w.Register(queue.FnDeleteKnowledge, func(ctx context.Context, job *queue.Job) error {
		var args queue.DeleteKnowledgeArgs
		if err := job.UnmarshalArgs(&args); err != nil {
			return err
		}
		err := deps.Processor.DeleteKnowledgeBase(ctx, args.KnowledgeBaseID)
		if err != nil && job.Attempt >= job.MaxTries {
			// Last attempt: surface the stuck teardown on the row so the
			// base stops reading DELETING forever.
			if markErr := deps.Processor.MarkKnowledgeFailed(
				context.WithoutCancel(ctx), args.KnowledgeBaseID, err.Error()); markErr != nil {
				w.log.WithError(markErr).WithField("knowledge_base", args.KnowledgeBaseID).
					Error("recording teardown failure failed")
			}
		}
		return err
	})

	w.Register(queue.FnGenerateTestset, func(ctx context.Context, job *queue.Job) error {
		var args queue.GenerateTestsetArgs
		if err := job.UnmarshalArgs(&args); err != nil {
			return err
		}
		return deps.Generator.Run(ctx, args.TestSetID)
	})

	w.Register(queue.FnRunExperiment, func(ctx context.Context, job *queue.Job) error {
		var args queue.RunExperimentArgs
		if err := job.UnmarshalArgs(&args); err != nil {
			return err
		}
		return deps.Runner.Run(ctx, args.ExperimentID)
	})
}
