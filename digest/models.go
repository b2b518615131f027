// ABOUTME: Data shapes for the stock digest workflow: metrics, research, reports, and the final output.
// ABOUTME: Fallback constructors produce total shapes so downstream consumers never branch on absence.
package digest

import (
	"time"
)

// Source describes where a piece of research content came from.
type Source struct {
	URL           string  `json:"url"`
	Title         string  `json:"title"`
	Source        string  `json:"source,omitempty"`
	Domain        string  `json:"domain,omitempty"`
	PublishedDate string  `json:"published_date,omitempty"`
	Score         float64 `json:"score"`
}

// TickerMetrics holds financial metrics extracted from search content.
// Every field is a pointer: nil means the metric was unavailable, and
// the zero value doubles as the contained-failure fallback.
type TickerMetrics struct {
	AnnualizedCAGR   *float64 `json:"annualized_cagr"`
	SharpeRatio      *float64 `json:"sharpe_ratio"`
	MaxDrawdown      *float64 `json:"max_drawdown"`
	TwoYearPriceHigh *float64 `json:"two_year_price_high"`
	TwoYearPriceLow  *float64 `json:"two_year_price_low"`
	LatestOpenPrice  *float64 `json:"latest_open_price"`
	CurrentPrice     *float64 `json:"current_price"`
	TradingVolume    *float64 `json:"trading_volume"`
	MarketCap        *float64 `json:"market_cap"`
}

// Story is one research article attributed to a ticker.
type Story struct {
	Title         string  `json:"title"`
	Content       string  `json:"content"`
	URL           string  `json:"url"`
	PublishedDate string  `json:"published_date,omitempty"`
	Source        string  `json:"source,omitempty"`
	Score         float64 `json:"score"`
	Domain        string  `json:"domain,omitempty"`
	Keyword       string  `json:"keyword,omitempty"`
}

// TargetedResearch buckets a ticker's stories by theme.
type TargetedResearch struct {
	Ticker            string  `json:"ticker"`
	EarningsNews      []Story `json:"earnings_news"`
	AnalystRatings    []Story `json:"analyst_ratings"`
	InsiderTrading    []Story `json:"insider_trading"`
	TechnicalAnalysis []Story `json:"technical_analysis"`
	SectorNews        []Story `json:"sector_news"`
}

// EmptyResearch is the contained-failure fallback for a ticker whose
// research task raised: all buckets present and empty.
func EmptyResearch(ticker string) TargetedResearch {
	return TargetedResearch{
		Ticker:            ticker,
		EarningsNews:      []Story{},
		AnalystRatings:    []Story{},
		InsiderTrading:    []Story{},
		TechnicalAnalysis: []Story{},
		SectorNews:        []Story{},
	}
}

// Stories returns every bucketed story in one slice.
func (r TargetedResearch) Stories() []Story {
	var all []Story
	all = append(all, r.EarningsNews...)
	all = append(all, r.AnalystRatings...)
	all = append(all, r.InsiderTrading...)
	all = append(all, r.TechnicalAnalysis...)
	all = append(all, r.SectorNews...)
	return all
}

// StockReport is the structured per-ticker analysis.
type StockReport struct {
	Ticker             string         `json:"ticker"`
	CompanyName        string         `json:"company_name"`
	Summary            string         `json:"summary"`
	CurrentPerformance string         `json:"current_performance"`
	KeyInsights        []string       `json:"key_insights"`
	Recommendation     string         `json:"recommendation"`
	RiskAssessment     string         `json:"risk_assessment"`
	PriceOutlook       string         `json:"price_outlook"`
	MarketCap          *float64       `json:"market_cap"`
	PERatio            *float64       `json:"pe_ratio"`
	Sources            []Source       `json:"sources"`
	Metrics            *TickerMetrics `json:"tavily_metrics"`
}

// FallbackRecommendation is the recommendation text carried by every
// fallback report.
const FallbackRecommendation = "Unable to provide recommendation"

// FallbackReport is the contained-failure substitute for a ticker whose
// analysis task raised. Every field is populated; metrics for the
// ticker are still attached when they exist.
func FallbackReport(ticker string, metrics *TickerMetrics) StockReport {
	return StockReport{
		Ticker:             ticker,
		CompanyName:        ticker,
		Summary:            "Analysis failed for " + ticker,
		CurrentPerformance: "Unable to analyze",
		KeyInsights:        []string{},
		Recommendation:     FallbackRecommendation,
		RiskAssessment:     "Unable to assess risks",
		PriceOutlook:       "Unable to provide outlook",
		Sources:            []Source{},
		Metrics:            metrics,
	}
}

// Output is the aggregate digest: per-ticker reports, a market
// overview, and suggestions for tickers outside the requested set.
type Output struct {
	Reports           map[string]StockReport `json:"reports"`
	MarketOverview    string                 `json:"market_overview"`
	GeneratedAt       string                 `json:"generated_at"`
	TickerSuggestions map[string]string      `json:"ticker_suggestions"`
}

// NewOutput creates an Output with initialized maps and a generation
// timestamp from now.
func NewOutput(now time.Time) *Output {
	return &Output{
		Reports:           make(map[string]StockReport),
		TickerSuggestions: make(map[string]string),
		GeneratedAt:       now.Format(time.RFC3339),
	}
}
