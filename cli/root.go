// Package cli wires the platform's two processes: the API server (serve)
// and the background job worker (worker). Both read the same configuration
// schema from a file, environment variables with the QUARRY_ prefix, or
// flags, and shut down gracefully on SIGINT/SIGTERM.
package cli

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"

	"github.com/quarryhq/quarry/blob"
	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/config"
	"github.com/quarryhq/quarry/index"
	"github.com/quarryhq/quarry/llm"
	"github.com/quarryhq/quarry/parser"
	"github.com/quarryhq/quarry/pipeline"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/quota"
	"github.com/quarryhq/quarry/retriever"
	"github.com/quarryhq/quarry/store"
	"github.com/quarryhq/quarry/version"
)

// envPrefix namespaces the environment variables read by the config loader,
// e.g. QUARRY_DATABASE_DSN.
const envPrefix = "QUARRY"

var cfgFile string

// RootCmd is the entry command; serve and worker hang off it.
var RootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "multi-tenant retrieval-augmented generation platform",
	Long: `Quarry serves knowledge-base management, document ingestion, hybrid
retrieval and grounded chat over HTTP, with background workers handling
parsing, embedding, indexing and evaluation jobs.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ./quarry.yaml and $HOME/.quarry.yaml)")
	RootCmd.AddCommand(serveCmd, workerCmd, versionCmd)
}

// Execute runs the CLI.
func Execute() error {
	return RootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Get().String())
	},
}

// runtime holds the shared adapters both processes stand on.
type runtime struct {
	cfg    *config.Config
	log    *logrus.Logger
	store  *store.Store
	blobs  *blob.S3Store
	idx    *index.Postgres
	queue  *queue.Queue
	ledger *quota.Ledger
}

// buildRuntime loads configuration and connects the storage and queue
// backends. Callers own close().
func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.LoadConfig(envPrefix, cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	log := common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.Logging.Level),
		Format:  cfg.Logging.Format,
		Service: cfg.Service.Name,
	})
	common.Logger = log

	log.WithFields(logrus.Fields{
		"environment": cfg.Service.Environment,
		"jwt_secret":  common.MaskSecret(cfg.Auth.JWTSecret),
	}).Debug("configuration loaded")

	st, err := store.Open(cfg.Database, log)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.NewS3Store(ctx, cfg.S3)
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		st.Close()
		return nil, err
	}

	idx, err := index.NewPostgres(ctx, cfg.Database)
	if err != nil {
		st.Close()
		return nil, err
	}

	q, err := queue.New(ctx, cfg.Redis, log)
	if err != nil {
		idx.Close()
		st.Close()
		return nil, err
	}

	ledger, err := quota.New(ctx, cfg.Redis)
	if err != nil {
		q.Close()
		idx.Close()
		st.Close()
		return nil, err
	}

	return &runtime{
		cfg:    cfg,
		log:    log,
		store:  st,
		blobs:  blobs,
		idx:    idx,
		queue:  q,
		ledger: ledger,
	}, nil
}

func (r *runtime) close() {
	if err := r.ledger.Close(); err != nil {
		r.log.WithError(err).Warn("closing quota ledger failed")
	}
	if err := r.queue.Close(); err != nil {
		r.log.WithError(err).Warn("closing queue failed")
	}
	r.idx.Close()
	if err := r.store.Close(); err != nil {
		r.log.WithError(err).Warn("closing store failed")
	}
}

// chatFactory routes chat model construction through the configured
// provider, honoring per-request model overrides.
func (r *runtime) chatFactory() func(model string) (llms.Model, error) {
	cfg := r.cfg.LLM
	return func(model string) (llms.Model, error) {
		if model == "" {
			return llm.NewChat(cfg)
		}
		return llm.NewChatModel(cfg.Provider, model)
	}
}

// buildProcessor assembles the ingestion pipeline shared by the worker's
// process_document handler and the API's synchronous document delete.
func (r *runtime) buildProcessor() (*pipeline.Processor, error) {
	embedder, err := llm.NewEmbedder(r.cfg.Embedding)
	if err != nil {
		return nil, err
	}
	parsers := parser.NewRouter(parser.NewDocling(r.cfg.Docling))
	return pipeline.NewProcessor(
		r.store, r.blobs, r.idx, embedder, parsers,
		r.cfg.Embedding.Dimension, r.cfg.Embedding.BatchSize, r.log,
	), nil
}

// buildRetriever assembles the hybrid retriever with the configured fusion
// weights and optional reranker.
func (r *runtime) buildRetriever() (*retriever.Retriever, error) {
	embedder, err := llm.NewEmbedder(r.cfg.Embedding)
	if err != nil {
		return nil, err
	}
	return retriever.New(
		r.idx, embedder,
		retriever.NewRerank(r.cfg.Rerank),
		r.cfg.Retrieval.DenseWeight, r.cfg.Retrieval.LexicalWeight,
		r.log,
	), nil
}
