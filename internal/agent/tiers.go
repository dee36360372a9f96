package agent

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownTier is returned for model ids missing from the table.
	ErrUnknownTier = errors.New("unknown model tier")
	// ErrNoFurtherTier means the tier has no upgrade (or downgrade) edge.
	ErrNoFurtherTier = errors.New("no further tier")
)

// Tier is one model variant and its token budgets.
type Tier struct {
	ID string
	// Limit is the conversation budget in tokens.
	Limit int
	// SummaryLimit is the request budget when the tier backs the summarizer.
	SummaryLimit int
	// Upgrade names the next larger tier, empty for none.
	Upgrade string
}

// DefaultTiers returns the OpenAI chat model tiers.
func DefaultTiers() []Tier {
	return []Tier{
		{ID: "gpt-3.5-turbo", Limit: 3500, SummaryLimit: 3000, Upgrade: "gpt-3.5-turbo-16k"},
		{ID: "gpt-3.5-turbo-16k", Limit: 15500, SummaryLimit: 15000},
		{ID: "gpt-4", Limit: 7500, SummaryLimit: 7000, Upgrade: "gpt-4-32k"},
		{ID: "gpt-4-32k", Limit: 31500, SummaryLimit: 30000},
	}
}

// TierTable is a read-only lookup of tiers and their upgrade/downgrade edges.
type TierTable struct {
	tiers      map[string]Tier
	downgrades map[string]string
	order      []string
}

// NewTierTable validates tiers and derives downgrade edges.
func NewTierTable(tiers []Tier) (*TierTable, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier table is empty")
	}

	t := &TierTable{
		tiers:      make(map[string]Tier, len(tiers)),
		downgrades: make(map[string]string),
	}

	for _, tier := range tiers {
		if tier.ID == "" {
			return nil, fmt.Errorf("tier id cannot be empty")
		}
		if _, dup := t.tiers[tier.ID]; dup {
			return nil, fmt.Errorf("tier %s defined twice", tier.ID)
		}
		if tier.Limit <= 0 {
			return nil, fmt.Errorf("tier %s: limit must be positive", tier.ID)
		}
		if tier.SummaryLimit <= 0 {
			tier.SummaryLimit = tier.Limit
		}
		t.tiers[tier.ID] = tier
		t.order = append(t.order, tier.ID)
	}

	for _, id := range t.order {
		tier := t.tiers[id]
		if tier.Upgrade == "" {
			continue
		}
		target, ok := t.tiers[tier.Upgrade]
		if !ok {
			return nil, fmt.Errorf("tier %s: upgrade target %s: %w", id, tier.Upgrade, ErrUnknownTier)
		}
		if target.Limit <= tier.Limit {
			return nil, fmt.Errorf("tier %s: upgrade %s must have a larger limit (%d <= %d)",
				id, target.ID, target.Limit, tier.Limit)
		}
		if prev, taken := t.downgrades[target.ID]; taken {
			return nil, fmt.Errorf("tiers %s and %s both upgrade to %s", prev, id, target.ID)
		}
		t.downgrades[target.ID] = id
	}

	return t, nil
}

// DefaultTierTable returns the table built from DefaultTiers.
func DefaultTierTable() *TierTable {
	t, err := NewTierTable(DefaultTiers())
	if err != nil {
		panic(err)
	}
	return t
}

// Has reports whether id is a known tier.
func (t *TierTable) Has(id string) bool {
	_, ok := t.tiers[id]
	return ok
}

// LimitOf returns the conversation budget of id.
func (t *TierTable) LimitOf(id string) (int, error) {
	tier, ok := t.tiers[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTier, id)
	}
	return tier.Limit, nil
}

// SummaryLimitOf returns the summarizer request budget of id.
func (t *TierTable) SummaryLimitOf(id string) (int, error) {
	tier, ok := t.tiers[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTier, id)
	}
	return tier.SummaryLimit, nil
}

// Upgrade returns the next larger tier. Unknown ids have no edges.
func (t *TierTable) Upgrade(id string) (string, error) {
	tier, ok := t.tiers[id]
	if !ok || tier.Upgrade == "" {
		return "", fmt.Errorf("%w: cannot upgrade %s", ErrNoFurtherTier, id)
	}
	return tier.Upgrade, nil
}

// Downgrade returns the tier that upgrades to id.
func (t *TierTable) Downgrade(id string) (string, error) {
	lower, ok := t.downgrades[id]
	if !ok {
		return "", fmt.Errorf("%w: cannot downgrade %s", ErrNoFurtherTier, id)
	}
	return lower, nil
}

// Tiers returns the tiers in definition order.
func (t *TierTable) Tiers() []Tier {
	out := make([]Tier, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.tiers[id])
	}
	return out
}

// IDs returns the sorted tier ids.
func (t *TierTable) IDs() []string {
	ids := append([]string(nil), t.order...)
	sort.Strings(ids)
	return ids
}
