// ABOUTME: Prompt builders and JSON schemas for the digest workflow's LLM calls.
// ABOUTME: Covers metric extraction, per-ticker analysis, overview summarization, and suggestion extraction.
package digest

import (
	"fmt"
	"strings"
)

// metricsPrompt asks for financial metrics extracted from search content.
func metricsPrompt(ticker, content string) string {
	return fmt.Sprintf(`Extract financial metrics for %s from the following information:

%s

Extract these metrics if available (set to null if unavailable):
- Sharpe ratio, Annualized CAGR, Max drawdown
- Latest open/close prices, Current price, Trading volume
- 2-year price high and low
- Market capitalization`, ticker, content)
}

// metricsSchema is the JSON Schema for TickerMetrics structured output.
func metricsSchema() map[string]any {
	num := func(desc string) map[string]any {
		return map[string]any{"type": []string{"number", "null"}, "description": desc}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"annualized_cagr":     num("Annualized CAGR percentage"),
			"sharpe_ratio":        num("Sharpe ratio"),
			"max_drawdown":        num("Maximum drawdown percentage"),
			"two_year_price_high": num("2-year price high in dollars"),
			"two_year_price_low":  num("2-year price low in dollars"),
			"latest_open_price":   num("Latest open price"),
			"current_price":       num("Current/latest stock price"),
			"trading_volume":      num("Trading volume"),
			"market_cap":          num("Market capitalization in dollars"),
		},
	}
}

// analysisPrompt asks for a structured report over a ticker's research.
func analysisPrompt(ticker string, research TargetedResearch, stories []Story, date string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Do a comprehensive stock analysis for %s as of %s.\n\n", ticker, date)

	sections := []struct {
		name    string
		stories []Story
	}{
		{"Earnings news", research.EarningsNews},
		{"Analyst ratings", research.AnalystRatings},
		{"Insider trading", research.InsiderTrading},
		{"Technical analysis", research.TechnicalAnalysis},
		{"Sector news", research.SectorNews},
	}
	for _, sec := range sections {
		if len(sec.stories) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", sec.name)
		for _, s := range sec.stories {
			fmt.Fprintf(&b, "- %s: %s\n", s.Title, s.Content)
		}
		b.WriteString("\n")
	}

	if len(stories) > 0 {
		b.WriteString("Additional coverage:\n")
		for _, s := range stories {
			fmt.Fprintf(&b, "- %s (%s)\n", s.Title, s.URL)
		}
		b.WriteString("\n")
	}

	b.WriteString(`Produce:
- A summary of the stock analysis
- Current performance analysis
- Key insights
- An investment recommendation with reasoning
- A risk assessment
- A price outlook
Focus on the most recent developments.`)
	return b.String()
}

// reportSchema is the JSON Schema for StockReport structured output,
// excluding the fields the workflow attaches itself (ticker, sources,
// metrics).
func reportSchema() map[string]any {
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"company_name":        str("Company name"),
			"summary":             str("Summary of the stock analysis"),
			"current_performance": str("Current performance analysis"),
			"key_insights": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Key insights from analysis",
			},
			"recommendation":  str("Investment recommendation"),
			"risk_assessment": str("Risk assessment"),
			"price_outlook":   str("Price outlook"),
			"market_cap":      map[string]any{"type": []string{"number", "null"}, "description": "Market capitalization in dollars"},
			"pe_ratio":        map[string]any{"type": []string{"number", "null"}, "description": "Price-to-earnings ratio"},
		},
		"required": []string{"company_name", "summary", "current_performance", "recommendation", "risk_assessment", "price_outlook"},
	}
}

// researchPrompt is the input for an asynchronous deep-research job.
func researchPrompt(ticker, date string) string {
	return fmt.Sprintf(`Do a comprehensive stock analysis for %s as of %s:
- Current stock price and recent price performance
- Market capitalization and key financial metrics
- Latest earnings results and guidance
- Recent news and developments
- Analyst ratings, upgrades/downgrades, and price targets
- Key risks and opportunities
- Investment recommendation with reasoning
Focus on all the recent updates about the company.`, ticker, date)
}

// overviewPrompt asks for a market-wide narrative over the concatenated
// per-ticker texts.
func overviewPrompt(text string) string {
	return fmt.Sprintf(`You are a market analyst. Write a detailed market overview in markdown
covering the portfolio below: common themes, divergences between the
stocks, sector dynamics, and the overall risk picture. Do not repeat
the per-stock reports verbatim.

%s`, text)
}

// suggestionsPrompt asks for new ticker ideas extracted from raw search
// text, excluding the user's existing holdings. The reply must be a
// single JSON object mapping ticker symbols to one-line reasons.
func suggestionsPrompt(rawText string, exclude []string) string {
	return fmt.Sprintf(`From the following market commentary, extract up to 5 stock tickers
currently recommended by analysts, excluding these symbols: %s.

Reply with exactly one JSON object mapping each ticker symbol to a
one-sentence reason, for example {"ABCD": "reason"}. No other text.

%s`, strings.Join(exclude, ", "), rawText)
}
