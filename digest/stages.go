// ABOUTME: Stage bodies for the digest workflow: metrics, research, analysis, overview, assembly.
// ABOUTME: Fan-out stages run their per-ticker tasks through the bounded workflow pool.
package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/tavily-ai/market-researcher/tavily"
	"github.com/tavily-ai/market-researcher/workflow"
)

// Progress channel names, one per fan-out stage plus a shared status
// channel for coarse stage announcements.
const (
	ChannelFinance     = "finance_ticker"
	ChannelResearch    = "targeted_research_ticker"
	ChannelResearchJob = "research_job_ticker"
	ChannelAnalysis    = "analysis_ticker"
	ChannelStatus      = "status"
)

// yahooQuotePrefix marks the finance results worth feeding to metric
// extraction; everything else on a finance search is noise.
const yahooQuotePrefix = "https://finance.yahoo.com/quote"

func (a *Agent) tickersFrom(state *workflow.State) []string {
	tickers, _ := workflow.Slot[[]string](state, slotTickers)
	return tickers
}

func (a *Agent) emitStatus(message string) {
	a.emitter.Emit(ChannelStatus, message)
}

// stockMetricsStage extracts financial metrics for every ticker from a
// finance-topic search, one pool task per ticker.
func (a *Agent) stockMetricsStage(ctx context.Context, state *workflow.State) (map[string]any, error) {
	tickers := a.tickersFrom(state)
	a.emitStatus("Collecting financial metrics...")

	metrics := workflow.RunPool(ctx, tickers,
		func(ctx context.Context, ticker string) (TickerMetrics, error) {
			return a.fetchTickerMetrics(ctx, ticker)
		},
		func(ticker string) TickerMetrics { return TickerMetrics{} },
		a.cfg.MaxWorkers, a.emitter, ChannelFinance)

	return map[string]any{slotMetrics: metrics}, nil
}

func (a *Agent) fetchTickerMetrics(ctx context.Context, ticker string) (TickerMetrics, error) {
	resp, err := a.search.Search(ctx, tavily.SearchRequest{
		Query:           fmt.Sprintf("Tell me about the stock %s", ticker),
		SearchDepth:     "basic",
		Topic:           "finance",
		MaxResults:      5,
		ChunksPerSource: 5,
	})
	if err != nil {
		return TickerMetrics{}, fmt.Errorf("finance search for %s: %w", ticker, err)
	}

	// Prefer the Yahoo Finance quote pages; fall back to everything if
	// the search surfaced none.
	var picked []tavily.SearchResult
	for _, r := range resp.Results {
		if strings.HasPrefix(r.URL, yahooQuotePrefix) {
			picked = append(picked, r)
		}
	}
	if len(picked) == 0 {
		picked = resp.Results
	}

	var b strings.Builder
	for _, r := range picked {
		fmt.Fprintf(&b, "%s\n%s\n%s\n\n", r.Title, r.URL, r.Content)
	}

	var m TickerMetrics
	if err := a.metricsLLM.ExtractJSON(ctx, metricsPrompt(ticker, b.String()), "ticker_metrics", metricsSchema(), &m); err != nil {
		return TickerMetrics{}, fmt.Errorf("extract metrics for %s: %w", ticker, err)
	}

	if a.cfg.DeriveMarketCap && m.MarketCap == nil && m.LatestOpenPrice != nil && m.TradingVolume != nil {
		mc := *m.LatestOpenPrice * *m.TradingVolume
		m.MarketCap = &mc
	}
	return m, nil
}

// keywordBuckets maps categorization keywords to the research bucket
// they select. Order matters: first match wins.
var keywordBuckets = []struct {
	keywords []string
	bucket   string
}{
	{[]string{"earnings", "revenue", "profit", "quarterly", "guidance"}, "earnings_news"},
	{[]string{"analyst", "rating", "upgrade", "downgrade", "price target"}, "analyst_ratings"},
	{[]string{"insider", "sec filing", "form 4", "executive"}, "insider_trading"},
	{[]string{"technical", "chart", "support", "resistance", "moving average"}, "technical_analysis"},
}

// targetedResearchStage gathers themed news coverage for every ticker
// from trusted publishers, one pool task per ticker.
func (a *Agent) targetedResearchStage(ctx context.Context, state *workflow.State) (map[string]any, error) {
	tickers := a.tickersFrom(state)
	date := state.GetString(slotDate, "")
	a.emitStatus("Performing comprehensive research...")

	research := workflow.RunPool(ctx, tickers,
		func(ctx context.Context, ticker string) (TargetedResearch, error) {
			return a.fetchTargetedResearch(ctx, ticker, date)
		},
		EmptyResearch,
		a.cfg.MaxWorkers, a.emitter, ChannelResearch)

	return map[string]any{slotResearch: research}, nil
}

func (a *Agent) fetchTargetedResearch(ctx context.Context, ticker, date string) (TargetedResearch, error) {
	resp, err := a.search.Search(ctx, tavily.SearchRequest{
		Query:           fmt.Sprintf("%s earnings analyst ratings insider trading technical analysis sector news %s", ticker, date),
		SearchDepth:     "advanced",
		Topic:           "news",
		MaxResults:      10,
		ChunksPerSource: 5,
		IncludeDomains:  a.cfg.IncludeDomains,
	})
	if err != nil {
		return TargetedResearch{}, fmt.Errorf("news search for %s: %w", ticker, err)
	}

	research := EmptyResearch(ticker)
	for _, r := range resp.Results {
		story := Story{
			Title:         r.Title,
			Content:       r.Content,
			URL:           r.URL,
			PublishedDate: r.PublishedDate,
			Score:         r.Score,
			Domain:        hostOf(r.URL),
		}
		switch bucket := categorize(story); bucket {
		case "earnings_news":
			story.Keyword = "earnings"
			research.EarningsNews = append(research.EarningsNews, story)
		case "analyst_ratings":
			story.Keyword = "analyst"
			research.AnalystRatings = append(research.AnalystRatings, story)
		case "insider_trading":
			story.Keyword = "insider"
			research.InsiderTrading = append(research.InsiderTrading, story)
		case "technical_analysis":
			story.Keyword = "technical"
			research.TechnicalAnalysis = append(research.TechnicalAnalysis, story)
		default:
			story.Keyword = "sector"
			research.SectorNews = append(research.SectorNews, story)
		}
	}
	return research, nil
}

// categorize picks the research bucket whose keywords appear first in
// the story's title or content. Unmatched stories land in sector news.
func categorize(s Story) string {
	text := strings.ToLower(s.Title + " " + s.Content)
	for _, kb := range keywordBuckets {
		for _, kw := range kb.keywords {
			if strings.Contains(text, kw) {
				return kb.bucket
			}
		}
	}
	return "sector_news"
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// deepResearchStage submits one asynchronous deep-research job per
// ticker and polls each to completion inside its pool task. Only wired
// into the graph when a research provider is configured.
func (a *Agent) deepResearchStage(ctx context.Context, state *workflow.State) (map[string]any, error) {
	tickers := a.tickersFrom(state)
	date := state.GetString(slotDate, "")
	a.emitStatus("Submitting deep research jobs...")

	notes := workflow.RunPool(ctx, tickers,
		func(ctx context.Context, ticker string) (string, error) {
			return a.runResearchJob(ctx, ticker, date)
		},
		func(ticker string) string { return "" },
		a.cfg.MaxWorkers, a.emitter, ChannelResearchJob)

	return map[string]any{slotNotes: notes}, nil
}

func (a *Agent) runResearchJob(ctx context.Context, ticker, date string) (string, error) {
	schema, err := json.Marshal(reportSchema())
	if err != nil {
		return "", fmt.Errorf("marshal research schema: %w", err)
	}

	id, err := a.research.SubmitResearch(ctx, tavily.ResearchRequest{
		Input:        researchPrompt(ticker, date),
		OutputSchema: schema,
		Model:        a.cfg.ResearchModel,
	})
	if err != nil {
		return "", fmt.Errorf("submit research for %s: %w", ticker, err)
	}

	status, err := workflow.Poll(ctx, func(ctx context.Context) (workflow.JobStatus, error) {
		st, err := a.research.GetResearch(ctx, id)
		if err != nil {
			return workflow.JobStatus{}, err
		}
		return jobStatusOf(st), nil
	}, a.cfg.PollInterval, a.cfg.PollDeadline)
	if err != nil {
		return "", fmt.Errorf("research job for %s: %w", ticker, err)
	}
	return string(status.Payload), nil
}

// jobStatusOf maps a research API status onto the poll loop's state
// machine. Unknown statuses count as running so the deadline, not a
// surprise API value, decides when to stop waiting.
func jobStatusOf(st *tavily.ResearchStatus) workflow.JobStatus {
	switch st.Status {
	case "pending", "queued":
		return workflow.JobStatus{State: workflow.JobPending}
	case "completed":
		return workflow.JobStatus{State: workflow.JobCompleted, Payload: st.Output}
	case "failed":
		return workflow.JobStatus{State: workflow.JobFailed, Detail: st.Error}
	default:
		return workflow.JobStatus{State: workflow.JobRunning}
	}
}

// analysisFormatterStage fans in metrics and research and produces one
// structured report per ticker, one pool task per ticker.
func (a *Agent) analysisFormatterStage(ctx context.Context, state *workflow.State) (map[string]any, error) {
	tickers := a.tickersFrom(state)
	date := state.GetString(slotDate, "")
	metrics, _ := workflow.Slot[map[string]TickerMetrics](state, slotMetrics)
	research, _ := workflow.Slot[map[string]TargetedResearch](state, slotResearch)
	notes, _ := workflow.Slot[map[string]string](state, slotNotes)
	a.emitStatus("Formatting analyses...")

	metricsFor := func(ticker string) *TickerMetrics {
		if m, ok := metrics[ticker]; ok {
			mc := m
			return &mc
		}
		return nil
	}

	reports := workflow.RunPool(ctx, tickers,
		func(ctx context.Context, ticker string) (StockReport, error) {
			return a.buildReport(ctx, ticker, date, research[ticker], notes[ticker], metricsFor(ticker))
		},
		func(ticker string) StockReport { return FallbackReport(ticker, metricsFor(ticker)) },
		a.cfg.MaxWorkers, a.emitter, ChannelAnalysis)

	return map[string]any{slotReports: reports}, nil
}

func (a *Agent) buildReport(ctx context.Context, ticker, date string, research TargetedResearch, notes string, metrics *TickerMetrics) (StockReport, error) {
	stories := research.Stories()
	prompt := analysisPrompt(ticker, research, stories, date)
	if notes != "" {
		prompt += "\n\nDeep research notes:\n" + notes
	}

	var report StockReport
	if err := a.reportLLM.ExtractJSON(ctx, prompt, "stock_report", reportSchema(), &report); err != nil {
		return StockReport{}, fmt.Errorf("analyze %s: %w", ticker, err)
	}

	report.Ticker = ticker
	if report.CompanyName == "" {
		report.CompanyName = ticker
	}
	if report.KeyInsights == nil {
		report.KeyInsights = []string{}
	}
	report.Metrics = metrics
	if report.MarketCap == nil && metrics != nil {
		report.MarketCap = metrics.MarketCap
	}
	report.Sources = sourcesOf(stories)
	return report, nil
}

func sourcesOf(stories []Story) []Source {
	sources := make([]Source, 0, len(stories))
	for _, s := range stories {
		sources = append(sources, Source{
			URL:           s.URL,
			Title:         s.Title,
			Source:        s.Source,
			Domain:        s.Domain,
			PublishedDate: s.PublishedDate,
			Score:         s.Score,
		})
	}
	return sources
}

// recommendationsResearchStage searches for analyst picks outside the
// requested ticker set. Search failure is contained: the stage logs and
// hands an empty text downstream.
func (a *Agent) recommendationsResearchStage(ctx context.Context, state *workflow.State) (map[string]any, error) {
	tickers := a.tickersFrom(state)
	a.emitStatus("Researching stock recommendations...")

	query := fmt.Sprintf("top stock picks %d analyst buy recommendations emerging growth stocks undervalued opportunities", a.now().Year())
	if len(tickers) > 0 {
		query += " NOT " + strings.Join(tickers, " NOT ")
	}

	resp, err := a.search.Search(ctx, tavily.SearchRequest{
		Query:         query,
		SearchDepth:   "advanced",
		Topic:         "news",
		MaxResults:    8,
		IncludeAnswer: true,
	})
	if err != nil {
		log.Printf("recommendations search failed: %v", err)
		return map[string]any{slotRawRecs: ""}, nil
	}

	raw := resp.Answer
	if raw == "" {
		var parts []string
		for i, r := range resp.Results {
			if i == 6 {
				break
			}
			parts = append(parts, r.Content)
		}
		raw = strings.Join(parts, "\n\n")
	}
	return map[string]any{slotRawRecs: raw}, nil
}

var (
	tickerPattern = regexp.MustCompile(`^[A-Z]{2,5}$`)
	// jsonObjectPattern grabs the first JSON object in a model reply,
	// tolerating one level of nesting.
	jsonObjectPattern = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
	// jsonObjectLoosePattern is the greedy recovery when the strict
	// pattern misses or captures a non-map fragment.
	jsonObjectLoosePattern = regexp.MustCompile(`(?s)\{.*\}`)
)

// extractTickerMap pulls the first parsable ticker-to-reason object out
// of a model reply, trying the strict pattern before the greedy one.
func extractTickerMap(reply string) (map[string]string, bool) {
	for _, pat := range []*regexp.Regexp{jsonObjectPattern, jsonObjectLoosePattern} {
		match := pat.FindString(reply)
		if match == "" {
			continue
		}
		var parsed map[string]string
		if err := json.Unmarshal([]byte(match), &parsed); err == nil {
			return parsed, true
		}
	}
	return nil, false
}

// recommendationFormattingStage normalizes raw recommendation text into
// a validated ticker-to-reason map. Every failure mode degrades to an
// empty map rather than failing the run.
func (a *Agent) recommendationFormattingStage(ctx context.Context, state *workflow.State) (map[string]any, error) {
	raw := state.GetString(slotRawRecs, "")
	tickers := a.tickersFrom(state)
	suggestions := map[string]string{}

	// Too little text to extract anything credible from.
	if len(strings.TrimSpace(raw)) < 50 {
		return map[string]any{slotSuggestions: suggestions}, nil
	}

	reply, err := a.reportLLM.Complete(ctx, suggestionsPrompt(raw, tickers))
	if err != nil {
		log.Printf("recommendation formatting failed: %v", err)
		return map[string]any{slotSuggestions: suggestions}, nil
	}

	parsed, ok := extractTickerMap(reply)
	if !ok {
		log.Printf("recommendation reply has no parsable ticker map")
		return map[string]any{slotSuggestions: suggestions}, nil
	}

	owned := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		owned[strings.ToUpper(t)] = true
	}
	for sym, reason := range parsed {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		reason = strings.TrimSpace(reason)
		if !tickerPattern.MatchString(sym) || owned[sym] || reason == "" {
			continue
		}
		suggestions[sym] = reason
	}
	return map[string]any{slotSuggestions: suggestions}, nil
}

// marketOverviewStage summarizes the per-ticker reports into one
// markdown overview. This is an aggregation stage: a failure here
// aborts the run.
func (a *Agent) marketOverviewStage(ctx context.Context, state *workflow.State) (map[string]any, error) {
	reports, _ := workflow.Slot[map[string]StockReport](state, slotReports)
	a.emitStatus("Summarizing market overview...")

	if len(reports) == 0 {
		return map[string]any{slotOverview: ""}, nil
	}

	var b strings.Builder
	for _, ticker := range sortedKeys(reports) {
		r := reports[ticker]
		fmt.Fprintf(&b, "## %s (%s)\n", r.CompanyName, ticker)
		if r.Metrics != nil && r.Metrics.CurrentPrice != nil {
			fmt.Fprintf(&b, "Current price: $%.2f\n", *r.Metrics.CurrentPrice)
		}
		if r.MarketCap != nil {
			fmt.Fprintf(&b, "Market cap: $%.2fB\n", *r.MarketCap/1e9)
		}
		fmt.Fprintf(&b, "%s\n%s\n", r.Summary, r.CurrentPerformance)
		if len(r.KeyInsights) > 0 {
			fmt.Fprintf(&b, "Key insights: %s\n", strings.Join(r.KeyInsights, "; "))
		}
		fmt.Fprintf(&b, "Recommendation: %s\nRisks: %s\nOutlook: %s\n\n", r.Recommendation, r.RiskAssessment, r.PriceOutlook)
	}

	overview, err := a.reportLLM.Complete(ctx, overviewPrompt(b.String()))
	if err != nil {
		return nil, fmt.Errorf("market overview: %w", err)
	}
	return map[string]any{slotOverview: overview}, nil
}

// finalAssemblyStage merges every upstream result into the digest
// output. Pure assembly; it cannot fail.
func (a *Agent) finalAssemblyStage(ctx context.Context, state *workflow.State) (map[string]any, error) {
	reports, _ := workflow.Slot[map[string]StockReport](state, slotReports)
	overview, _ := workflow.Slot[string](state, slotOverview)
	suggestions, _ := workflow.Slot[map[string]string](state, slotSuggestions)

	out := NewOutput(a.now())
	for ticker, r := range reports {
		out.Reports[ticker] = r
	}
	out.MarketOverview = overview
	for sym, reason := range suggestions {
		out.TickerSuggestions[sym] = reason
	}
	return map[string]any{slotDigest: out}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
