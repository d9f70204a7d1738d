// Package cost tracks spend across every billable action in a session
// and enforces the session budget. All ledger operations are atomic
// under a single mutex; callers consult Check before each cost-incurring
// action and treat deny as a hard stop.
package cost

import (
	"sync"
	"time"
)

// Spend categories. Every ledger entry is attributed to exactly one.
const (
	CategoryWorkers    = "workers"
	CategoryExpert     = "expert"
	CategoryBrowser    = "browser"
	CategoryEmbeddings = "embeddings"
	CategoryStorage    = "storage"
)

// Decision is the outcome of a budget check.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionWarn  Decision = "warn"
	DecisionDeny  Decision = "deny"
)

// warnThreshold is the category spend fraction above which Check warns.
const warnThreshold = 0.70

// Budget holds session spend caps in USD.
type Budget struct {
	Total   float64 `yaml:"total" json:"total"`
	Workers float64 `yaml:"workers" json:"workers"`
	Expert  float64 `yaml:"expert" json:"expert"`
	Browser float64 `yaml:"browser" json:"browser"`
	// Buffer is held back for embeddings and storage spill.
	Buffer float64 `yaml:"buffer" json:"buffer"`
}

// DefaultBudget returns the stock session budget.
func DefaultBudget() Budget {
	return Budget{Total: 50.00, Workers: 30.00, Expert: 15.00, Browser: 3.00, Buffer: 2.00}
}

// Entry is one append-only ledger record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	AgentType string    `json:"agent_type"`
	Model     string    `json:"model"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	CostUSD   float64   `json:"cost_usd"`
}

// Controller is the per-session cost ledger.
type Controller struct {
	mu      sync.Mutex
	budget  Budget
	entries []Entry
	spent   map[string]float64
}

// NewController creates a ledger with the given budget.
func NewController(budget Budget) *Controller {
	return &Controller{
		budget: budget,
		spent:  make(map[string]float64),
	}
}

// Record computes the cost of a model call from the pricing table,
// appends it to the ledger under the given category, and returns the
// cost in USD.
func (c *Controller) Record(category, model string, tokensIn, tokensOut int) float64 {
	cost := Calculate(model, tokensIn, tokensOut)
	c.RecordFlat(category, model, tokensIn, tokensOut, cost)
	return cost
}

// RecordFlat appends a pre-priced cost, for spend that is not token
// metered (storage writes, browser minutes, fixed-rate embeddings).
func (c *Controller) RecordFlat(category, model string, tokensIn, tokensOut int, costUSD float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, Entry{
		Timestamp: time.Now(),
		AgentType: category,
		Model:     model,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   costUSD,
	})
	c.spent[category] += costUSD
}

func (c *Controller) capFor(category string) float64 {
	switch category {
	case CategoryWorkers:
		return c.budget.Workers
	case CategoryExpert:
		return c.budget.Expert
	case CategoryBrowser:
		return c.budget.Browser
	default:
		return c.budget.Buffer
	}
}

func (c *Controller) totalLocked() float64 {
	var total float64
	for _, v := range c.spent {
		total += v
	}
	return total
}

// Check evaluates the ledger against the budget.
//
// deny: total budget exceeded, or the expert cap is exhausted.
// warn: any category above 70% of its cap, or remaining under the buffer.
// allow: otherwise.
func (c *Controller) Check() (Decision, string, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.totalLocked()
	remaining := c.budget.Total - total

	if total > c.budget.Total {
		return DecisionDeny, "total budget exceeded", 0
	}
	if c.spent[CategoryExpert] > c.budget.Expert {
		return DecisionDeny, "expert budget depleted", remaining
	}

	for _, category := range []string{CategoryWorkers, CategoryExpert, CategoryBrowser} {
		if limit := c.capFor(category); limit > 0 && c.spent[category] > limit*warnThreshold {
			return DecisionWarn, "category " + category + " above 70% of its cap", remaining
		}
	}
	if remaining < c.budget.Buffer {
		return DecisionWarn, "approaching total budget limit", remaining
	}

	return DecisionAllow, "ok", remaining
}

// Advise returns a mitigation hint based on which category dominates
// current spend.
func (c *Controller) Advise() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.spent[CategoryExpert] > c.budget.Expert*0.8 {
		return "switch workers to cheaper models (microsoft/Phi-4-mini-instruct)"
	}
	if c.spent[CategoryWorkers] > c.budget.Workers*0.7 {
		return "reduce arbiter sensitivity to decrease escalations"
	}
	return "no action needed"
}

// Spent returns the spend recorded under a category.
func (c *Controller) Spent(category string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spent[category]
}

// Total returns the total spend across all categories.
func (c *Controller) Total() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalLocked()
}

// Summary is the read-only ledger view served by the API.
type Summary struct {
	Budget    Budget             `json:"budget"`
	Spent     map[string]float64 `json:"spent"`
	Total     float64            `json:"total"`
	Remaining float64            `json:"remaining"`
	Entries   int                `json:"entries"`
}

// Snapshot copies the ledger totals under the mutex.
func (c *Controller) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	spent := make(map[string]float64, len(c.spent))
	for k, v := range c.spent {
		spent[k] = v
	}
	total := c.totalLocked()
	return Summary{
		Budget:    c.budget,
		Spent:     spent,
		Total:     total,
		Remaining: c.budget.Total - total,
		Entries:   len(c.entries),
	}
}
