package monitor

import (
	"context"
	"io"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// WriteReport 输出可读的统计报表
func (m *Monitor) WriteReport(ctx context.Context, w io.Writer) error {
	p := message.NewPrinter(language.English)
	upper := cases.Upper(language.Und)
	rule := strings.Repeat("=", 80)

	stats := m.AllStats(ctx)

	if _, err := p.Fprintf(w, "\n%s\nAPI USAGE STATISTICS\n%s\n", rule, rule); err != nil {
		return err
	}

	var cacheEntries int64
	for _, source := range m.sources {
		st := stats[source]
		if st.CacheError == "" {
			cacheEntries = st.Cache.TotalEntries
		}
		_, err := p.Fprintf(w, "\n%s\n%s\n"+
			"   Calls: %d | Success Rate: %.1f%%\n"+
			"   Cache Hits: %d | Rate Limited: %d\n"+
			"   Circuit: %s | Tokens: %.2f/%.0f\n",
			upper.String(source), strings.Repeat("-", 40),
			st.API.TotalCalls, st.API.SuccessRate,
			st.API.CacheHits, st.API.RateLimited,
			st.Breaker.State, st.Limiter.CurrentTokens, st.Limiter.MaxTokens,
		)
		if err != nil {
			return err
		}
	}

	if len(m.sources) > 0 {
		if _, err := p.Fprintf(w, "\nCACHE: %d entries\n", cacheEntries); err != nil {
			return err
		}
	}
	_, err := p.Fprintf(w, "\n%s\n", rule)
	return err
}
