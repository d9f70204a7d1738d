package cost

import "log/slog"

// rate holds per-million-token prices in USD (input, output).
type rate struct {
	In  float64
	Out float64
}

// defaultRate is the conservative fallback for model ids missing from
// the table.
var defaultRate = rate{In: 1.00, Out: 1.00}

// modelRates maps inference model ids to per-million-token pricing.
var modelRates = map[string]rate{
	// Worker models
	"microsoft/Phi-4-mini-instruct":      {0.10, 0.10},
	"meta-llama/Llama-3.1-8B-Instruct":   {0.20, 0.20},
	"meta-llama/Llama-3.3-70B-Instruct":  {0.80, 0.80},
	"Qwen/Qwen2.5-14B-Instruct":          {0.30, 0.30},
	"OpenPipe/Qwen3-14B-Instruct":        {0.30, 0.30},
	// Expert models
	"deepseek-ai/DeepSeek-R1-0528":               {1.00, 1.00},
	"deepseek-ai/DeepSeek-V3-0324":               {0.80, 0.80},
	"deepseek-ai/DeepSeek-V3.1":                  {0.80, 0.80},
	"Qwen/Qwen3-235B-A22B-Thinking-2507":         {1.20, 1.20},
	"Qwen/Qwen3-235B-A22B-Instruct-2507":         {1.00, 1.00},
	"Qwen/Qwen3-Coder-480B-A35B-Instruct":        {1.50, 1.50},
	"moonshotai/Kimi-K2-Instruct":                {0.60, 0.60},
	"moonshotai/Kimi-K2-Instruct-0905":           {0.60, 0.60},
	"openai/gpt-oss-20b":                         {0.30, 0.30},
	"openai/gpt-oss-120b":                        {1.00, 1.00},
	"Qwen/Qwen3-30B-A3B-Instruct-2507":           {0.30, 0.30},
	"zai-org/GLM-4.5":                            {0.80, 0.80},
	"meta-llama/Llama-4-Scout-17B-16E-Instruct":  {0.40, 0.40},
}

// Calculate returns the USD cost of a model call. Unknown model ids
// fall back to the default rate with a warning, never an error.
func Calculate(model string, tokensIn, tokensOut int) float64 {
	r, ok := modelRates[model]
	if !ok {
		slog.Warn("Unknown model id, using default pricing",
			"model", model, "in_per_m", defaultRate.In, "out_per_m", defaultRate.Out)
		r = defaultRate
	}
	return (float64(tokensIn)*r.In + float64(tokensOut)*r.Out) / 1_000_000
}
