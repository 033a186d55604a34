package queue

import "time"

// Job function names. The worker maps each to a handler; the API enqueues
// them by name so the two processes share nothing but Redis.
const (
	FnProcessDocument = "process_document"
	FnDeleteKnowledge = "delete_knowledge"
	FnGenerateTestset = "generate_testset"
	FnRunExperiment   = "run_experiment"
)

// FunctionSpec bounds a job function's execution: how often it may be
// retried, the base delay between retries (doubled per attempt), and the
// visibility timeout after which a delivery is presumed lost.
type FunctionSpec struct {
	MaxTries   int
	RetryDelay time.Duration
	Timeout    time.Duration
}

var functionSpecs = map[string]FunctionSpec{
	FnProcessDocument: {MaxTries: 3, RetryDelay: 5 * time.Second, Timeout: 600 * time.Second},
	FnDeleteKnowledge: {MaxTries: 3, RetryDelay: 2 * time.Second, Timeout: 300 * time.Second},
	FnGenerateTestset: {MaxTries: 3, RetryDelay: 10 * time.Second, Timeout: 1800 * time.Second},
	FnRunExperiment:   {MaxTries: 3, RetryDelay: 10 * time.Second, Timeout: 1800 * time.Second},
}

// SpecFor looks up the execution bounds of a function.
func SpecFor(function string) (FunctionSpec, bool) {
	spec, ok := functionSpecs[function]
	return spec, ok
}

// ProcessDocumentArgs are the arguments of a process_document job.
type ProcessDocumentArgs struct {
	DocumentID uint `json:"document_id"`
}

// DeleteKnowledgeArgs are the arguments of a delete_knowledge job.
type DeleteKnowledgeArgs struct {
	KnowledgeBaseID uint `json:"knowledge_base_id"`
}

// GenerateTestsetArgs are the arguments of a generate_testset job.
type GenerateTestsetArgs struct {
	TestSetID uint `json:"test_set_id"`
}

// RunExperimentArgs are the arguments of a run_experiment job.
type RunExperimentArgs struct {
	ExperimentID uint `json:"experiment_id"`
}
