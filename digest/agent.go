// ABOUTME: The stock digest agent: collaborator interfaces, configuration, and workflow assembly.
// ABOUTME: Builds the stage graph and runs it to produce one aggregate digest per ticker set.
package digest

import (
	"context"
	"fmt"
	"time"

	"github.com/tavily-ai/market-researcher/tavily"
	"github.com/tavily-ai/market-researcher/workflow"
)

// SearchProvider runs synchronous web searches. Failures propagate as
// task failures contained by the owning stage's fallback.
type SearchProvider interface {
	Search(ctx context.Context, req tavily.SearchRequest) (*tavily.SearchResponse, error)
}

// ResearchJobProvider drives asynchronous deep-research jobs observed
// through the workflow poll loop.
type ResearchJobProvider interface {
	SubmitResearch(ctx context.Context, req tavily.ResearchRequest) (string, error)
	GetResearch(ctx context.Context, requestID string) (*tavily.ResearchStatus, error)
}

// StructuredExtractor produces structured values and free-text replies
// from a language model.
type StructuredExtractor interface {
	ExtractJSON(ctx context.Context, prompt, schemaName string, schema map[string]any, out any) error
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config tunes the digest workflow.
type Config struct {
	// MaxWorkers bounds per-stage fan-out concurrency.
	MaxWorkers int
	// PollInterval and PollDeadline drive deep-research job polling.
	PollInterval time.Duration
	PollDeadline time.Duration
	// DeriveMarketCap applies the market_cap = latest_open_price *
	// trading_volume approximation when the extractor left it unset.
	DeriveMarketCap bool
	// IncludeDomains restricts targeted research to trusted publishers.
	IncludeDomains []string
	// ResearchModel names the model for deep-research job submissions.
	ResearchModel string
}

// DefaultConfig returns the standard workflow tuning.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:      workflow.DefaultMaxWorkers,
		PollInterval:    5 * time.Second,
		PollDeadline:    4 * time.Minute,
		DeriveMarketCap: true,
		IncludeDomains: []string{
			"reuters.com", "bloomberg.com", "cnbc.com", "marketwatch.com",
			"yahoo.com", "seekingalpha.com", "wsj.com", "ft.com",
		},
	}
}

// Agent runs the stock digest workflow. Create one with NewAgent; the
// research provider may be nil, in which case the deep-research stage
// is omitted from the graph.
type Agent struct {
	search     SearchProvider
	research   ResearchJobProvider
	reportLLM  StructuredExtractor
	metricsLLM StructuredExtractor
	emitter    *workflow.Emitter
	cfg        Config
	events     func(workflow.SchedulerEvent)

	// now is the clock; replaced in tests for deterministic output.
	now func() time.Time
}

// AgentOption is a functional option for configuring an Agent.
type AgentOption func(*Agent)

// WithResearchProvider enables the deep-research stage.
func WithResearchProvider(p ResearchJobProvider) AgentOption {
	return func(a *Agent) { a.research = p }
}

// WithEmitter wires the progress emitter used by all fan-out stages.
func WithEmitter(e *workflow.Emitter) AgentOption {
	return func(a *Agent) { a.emitter = e }
}

// WithSchedulerEvents registers a handler for scheduler lifecycle events.
func WithSchedulerEvents(fn func(workflow.SchedulerEvent)) AgentOption {
	return func(a *Agent) { a.events = fn }
}

// WithClock replaces the agent's clock.
func WithClock(now func() time.Time) AgentOption {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAgent creates an Agent from its collaborators. reportLLM produces
// per-ticker reports, the overview, and suggestion extraction;
// metricsLLM extracts financial metrics.
func NewAgent(search SearchProvider, reportLLM, metricsLLM StructuredExtractor, cfg Config, opts ...AgentOption) *Agent {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = workflow.DefaultMaxWorkers
	}
	a := &Agent{
		search:     search,
		reportLLM:  reportLLM,
		metricsLLM: metricsLLM,
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Workflow slot names. The graph wires stages to each other purely
// through these.
const (
	slotTickers     = "tickers"
	slotDate        = "date"
	slotMetrics     = "ticker_metrics"
	slotResearch    = "targeted_research"
	slotNotes       = "research_notes"
	slotReports     = "stock_reports"
	slotRawRecs     = "recommendations_raw_text"
	slotSuggestions = "ticker_suggestions"
	slotOverview    = "market_overview"
	slotDigest      = "digest"
)

// BuildGraph assembles the digest workflow DAG. The shape mirrors the
// run: metrics, research, and recommendations fan out from the start;
// analysis fans their results in; overview aggregates; assembly merges.
func (a *Agent) BuildGraph() (*workflow.Graph, error) {
	analysisInputs := []string{slotTickers, slotDate, slotMetrics, slotResearch}

	stages := []*workflow.Stage{
		{
			Name:    "StockMetrics",
			Inputs:  []string{slotTickers},
			Outputs: []string{slotMetrics},
			Run:     a.stockMetricsStage,
		},
		{
			Name:    "TargetedResearch",
			Inputs:  []string{slotTickers, slotDate},
			Outputs: []string{slotResearch},
			Run:     a.targetedResearchStage,
		},
		{
			Name:    "StockRecommendationsResearch",
			Inputs:  []string{slotTickers},
			Outputs: []string{slotRawRecs},
			Run:     a.recommendationsResearchStage,
		},
		{
			Name:    "RecommendationFormatting",
			Inputs:  []string{slotTickers, slotRawRecs},
			Outputs: []string{slotSuggestions},
			Run:     a.recommendationFormattingStage,
		},
	}

	if a.research != nil {
		stages = append(stages, &workflow.Stage{
			Name:    "DeepResearch",
			Inputs:  []string{slotTickers, slotDate},
			Outputs: []string{slotNotes},
			Run:     a.deepResearchStage,
		})
		analysisInputs = append(analysisInputs, slotNotes)
	}

	stages = append(stages,
		&workflow.Stage{
			Name:    "AnalysisFormatter",
			Inputs:  analysisInputs,
			Outputs: []string{slotReports},
			Run:     a.analysisFormatterStage,
		},
		&workflow.Stage{
			Name:    "MarketOverviewSummary",
			Inputs:  []string{slotReports},
			Outputs: []string{slotOverview},
			Run:     a.marketOverviewStage,
		},
		&workflow.Stage{
			Name:    "FinalAssembly",
			Inputs:  []string{slotReports, slotOverview, slotSuggestions},
			Outputs: []string{slotDigest},
			Run:     a.finalAssemblyStage,
		},
	)

	return workflow.NewGraph(stages, slotTickers, slotDate)
}

// Run executes the digest workflow for the given tickers. The whole run
// is one awaited operation; progress events flow out of band through
// the configured emitter. An empty ticker set yields an empty digest.
func (a *Agent) Run(ctx context.Context, tickers []string) (*Output, error) {
	graph, err := a.BuildGraph()
	if err != nil {
		return nil, fmt.Errorf("build workflow graph: %w", err)
	}

	sched := workflow.NewScheduler(
		workflow.WithMaxParallel(len(graph.Stages())),
		workflow.WithEventHandler(a.events),
	)

	initial := map[string]any{
		slotTickers: append([]string(nil), tickers...),
		slotDate:    a.now().Format("2006-01-02"),
	}

	state, err := sched.Run(ctx, graph, initial)
	if err != nil {
		return nil, err
	}

	out, ok := workflow.Slot[*Output](state, slotDigest)
	if !ok {
		return nil, fmt.Errorf("workflow completed without a digest")
	}
	return out, nil
}
