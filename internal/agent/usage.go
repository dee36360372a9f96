package agent

import "fmt"

// Usage thresholds as a share of the active limit.
const (
	WarningPercent  = 0.70
	CriticalPercent = 0.85
)

// Usage is a snapshot of how much of the active budget the context uses.
type Usage struct {
	Tier     string  `json:"tier"`
	Tokens   int     `json:"tokens"`
	Limit    int     `json:"limit"`
	Percent  float64 `json:"percent"`
	Status   string  `json:"status"`
	Messages int     `json:"messages"`
}

// Usage reports the token consumption of the context as of its last
// change. It does not wait for a compression in progress.
func (m *ContextManager) Usage() Usage {
	if u := m.usage.Load(); u != nil {
		return *u
	}
	return Usage{}
}

// publish recomputes the usage snapshot. Callers hold mu.
func (m *ContextManager) publish() {
	limit, _ := m.tiers.LimitOf(m.tier)
	tokens := m.counter.CountMessages(m.context)

	u := Usage{
		Tier:     m.tier,
		Tokens:   tokens,
		Limit:    limit,
		Messages: len(m.context),
	}
	if limit > 0 {
		u.Percent = float64(tokens) / float64(limit)
	}
	u.Status = usageStatus(u.Percent)
	m.usage.Store(&u)
}

func usageStatus(percent float64) string {
	switch {
	case percent > 1:
		return "over"
	case percent >= CriticalPercent:
		return "critical"
	case percent >= WarningPercent:
		return "warning"
	default:
		return "ok"
	}
}

// String formats usage as a one-line footer.
func (u Usage) String() string {
	return fmt.Sprintf("%s: %s / %s tokens (%.0f%%, %s)",
		u.Tier, formatTokenCount(u.Tokens), formatTokenCount(u.Limit), u.Percent*100, u.Status)
}

func formatTokenCount(tokens int) string {
	if tokens >= 1000 {
		return fmt.Sprintf("%.1fk", float64(tokens)/1000)
	}
	return fmt.Sprintf("%d", tokens)
}
