// Package llm provides the extraction-agent and chat contracts and their Gemini implementation.
package llm

// ModelTier represents the complexity/capability level of a model
type ModelTier string

const (
	// TierLite is for chat answers over retrieved documents
	TierLite ModelTier = "lite"
	// TierStandard is for structured extraction
	TierStandard ModelTier = "standard"
	// TierAdvanced is for long-form narrative writing
	TierAdvanced ModelTier = "advanced"
)

// Config holds the model configuration for the application
type Config struct {
	Models map[ModelTier]string
}

// DefaultConfig returns the default Gemini configuration
func DefaultConfig() *Config {
	return &Config{
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
	}
}

// GetModel returns the model name for a given tier
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok && model != "" {
		return model
	}
	// Fallback chain: try standard, then lite
	if model, ok := c.Models[TierStandard]; ok && model != "" {
		return model
	}
	if model, ok := c.Models[TierLite]; ok && model != "" {
		return model
	}
	return ""
}

// WithModel returns a new Config with a specific model for a tier.
// An empty model leaves the tier unchanged.
func (c *Config) WithModel(tier ModelTier, model string) *Config {
	newConfig := &Config{Models: make(map[ModelTier]string, len(c.Models)+1)}
	for k, v := range c.Models {
		newConfig.Models[k] = v
	}
	if model != "" {
		newConfig.Models[tier] = model
	}
	return newConfig
}
