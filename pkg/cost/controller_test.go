package cost

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateKnownModel(t *testing.T) {
	// 1M in + 1M out at 0.10/0.10
	cost := Calculate("microsoft/Phi-4-mini-instruct", 1_000_000, 1_000_000)
	assert.InDelta(t, 0.20, cost, 1e-9)

	cost = Calculate("Qwen/Qwen2.5-14B-Instruct", 500_000, 100_000)
	assert.InDelta(t, 0.18, cost, 1e-9)
}

func TestCalculateUnknownModelUsesDefault(t *testing.T) {
	cost := Calculate("acme/unknown-model", 1_000_000, 1_000_000)
	assert.InDelta(t, 2.00, cost, 1e-9)
}

func TestRecordAccumulatesPerCategory(t *testing.T) {
	c := NewController(DefaultBudget())

	got := c.Record(CategoryWorkers, "microsoft/Phi-4-mini-instruct", 1_000_000, 0)
	assert.InDelta(t, 0.10, got, 1e-9)
	c.Record(CategoryWorkers, "microsoft/Phi-4-mini-instruct", 1_000_000, 0)
	c.Record(CategoryExpert, "deepseek-ai/DeepSeek-R1-0528", 1_000_000, 0)

	assert.InDelta(t, 0.20, c.Spent(CategoryWorkers), 1e-9)
	assert.InDelta(t, 1.00, c.Spent(CategoryExpert), 1e-9)
	assert.InDelta(t, 1.20, c.Total(), 1e-9)
}

func TestCheckAllow(t *testing.T) {
	c := NewController(DefaultBudget())
	decision, msg, remaining := c.Check()
	assert.Equal(t, DecisionAllow, decision)
	assert.Equal(t, "ok", msg)
	assert.InDelta(t, 50.00, remaining, 1e-9)
}

func TestCheckDenyTotalExceeded(t *testing.T) {
	c := NewController(Budget{Total: 1.00, Workers: 30, Expert: 15, Browser: 3, Buffer: 0})
	c.RecordFlat(CategoryWorkers, "m", 0, 0, 1.50)

	decision, msg, remaining := c.Check()
	assert.Equal(t, DecisionDeny, decision)
	assert.Contains(t, msg, "total budget")
	assert.Zero(t, remaining)
}

func TestCheckDenyExpertDepleted(t *testing.T) {
	c := NewController(DefaultBudget())
	c.RecordFlat(CategoryExpert, "m", 0, 0, 15.50)

	decision, msg, _ := c.Check()
	assert.Equal(t, DecisionDeny, decision)
	assert.Contains(t, msg, "expert budget")
}

func TestCheckWarnCategoryAbove70Percent(t *testing.T) {
	c := NewController(DefaultBudget())
	c.RecordFlat(CategoryWorkers, "m", 0, 0, 21.50) // over 70% of 30.00

	decision, msg, _ := c.Check()
	assert.Equal(t, DecisionWarn, decision)
	assert.Contains(t, msg, "workers")
}

func TestCheckWarnRemainingBelowBuffer(t *testing.T) {
	c := NewController(Budget{Total: 10.00, Workers: 100, Expert: 100, Browser: 100, Buffer: 2.00})
	c.RecordFlat(CategoryStorage, "m", 0, 0, 8.50)

	decision, msg, remaining := c.Check()
	assert.Equal(t, DecisionWarn, decision)
	assert.Contains(t, msg, "approaching")
	assert.InDelta(t, 1.50, remaining, 1e-9)
}

func TestAdvise(t *testing.T) {
	c := NewController(DefaultBudget())
	assert.Equal(t, "no action needed", c.Advise())

	c.RecordFlat(CategoryWorkers, "m", 0, 0, 22.00)
	assert.Contains(t, c.Advise(), "arbiter sensitivity")

	// Expert dominating takes priority over workers.
	c.RecordFlat(CategoryExpert, "m", 0, 0, 12.50)
	assert.Contains(t, c.Advise(), "cheaper models")
}

func TestSnapshot(t *testing.T) {
	c := NewController(DefaultBudget())
	c.Record(CategoryWorkers, "microsoft/Phi-4-mini-instruct", 1_000_000, 0)
	c.RecordFlat(CategoryEmbeddings, "BAAI/bge-small-en-v1.5", 0, 0, 0.000002)

	snap := c.Snapshot()
	assert.Equal(t, 2, snap.Entries)
	assert.InDelta(t, 0.10, snap.Spent[CategoryWorkers], 1e-9)
	assert.InDelta(t, snap.Budget.Total-snap.Total, snap.Remaining, 1e-9)

	// Snapshot is a copy, not a live view.
	snap.Spent[CategoryWorkers] = 99
	assert.InDelta(t, 0.10, c.Spent(CategoryWorkers), 1e-9)
}

func TestConcurrentRecord(t *testing.T) {
	c := NewController(DefaultBudget())
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.RecordFlat(CategoryWorkers, "m", 0, 0, 0.01)
			}
		}()
	}
	wg.Wait()

	require.InDelta(t, 8.00, c.Spent(CategoryWorkers), 1e-6)
	assert.Equal(t, 800, c.Snapshot().Entries)
}
