package costs

// ModelPricing holds USD rates per million tokens
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// PricingFor returns the rate card for a model name. Unknown models get
// an expensive default so estimates err on the high side.
func PricingFor(model string) ModelPricing {
	switch model {
	case "claude-haiku", "haiku":
		return ModelPricing{InputPerMillion: 1.0, OutputPerMillion: 5.0}
	case "claude-sonnet", "sonnet":
		return ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0}
	case "claude-opus", "opus":
		return ModelPricing{InputPerMillion: 15.0, OutputPerMillion: 75.0}
	case "gemini-flash", "flash":
		return ModelPricing{InputPerMillion: 0.30, OutputPerMillion: 2.50}
	case "gemini-pro":
		return ModelPricing{InputPerMillion: 1.25, OutputPerMillion: 10.0}
	case "gpt-5", "gpt-pro":
		return ModelPricing{InputPerMillion: 1.25, OutputPerMillion: 10.0}
	case "gpt-5-mini":
		return ModelPricing{InputPerMillion: 0.25, OutputPerMillion: 2.0}
	default:
		return ModelPricing{InputPerMillion: 10.0, OutputPerMillion: 30.0}
	}
}

// Calculate returns the USD cost of a call at these rates
func (p ModelPricing) Calculate(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*p.InputPerMillion +
		float64(outputTokens)/1_000_000*p.OutputPerMillion
}
