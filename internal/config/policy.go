package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// guardrailPolicy mirrors the YAML policy file. Absent keys keep the
// environment value.
type guardrailPolicy struct {
	StrictGrounding      *bool    `yaml:"strict_grounding"`
	MinRelevanceScore    *float64 `yaml:"min_relevance_score"`
	LowConfidenceFloor   *float64 `yaml:"low_confidence_floor"`
	RequireCitations     *bool    `yaml:"require_citations"`
	ProgressiveStreaming *bool    `yaml:"progressive_streaming"`
	MinScore             *float64 `yaml:"min_score"`
	BroadMinScore        *float64 `yaml:"broad_min_score"`
}

// WithPolicyFile overlays GuardrailPolicyFile, when set, onto cfg.
func (c Config) WithPolicyFile() (Config, error) {
	if c.GuardrailPolicyFile == "" {
		return c, nil
	}
	raw, err := os.ReadFile(c.GuardrailPolicyFile)
	if err != nil {
		return c, fmt.Errorf("read guardrail policy: %w", err)
	}
	return c.applyPolicy(raw)
}

func (c Config) applyPolicy(raw []byte) (Config, error) {
	var policy guardrailPolicy
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return c, fmt.Errorf("parse guardrail policy: %w", err)
	}

	for name, v := range map[string]*float64{
		"min_relevance_score":  policy.MinRelevanceScore,
		"low_confidence_floor": policy.LowConfidenceFloor,
		"min_score":            policy.MinScore,
		"broad_min_score":      policy.BroadMinScore,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return c, fmt.Errorf("guardrail policy: %s must be within [0,1], got %v", name, *v)
		}
	}

	out := c
	setBool(&out.StrictGrounding, policy.StrictGrounding)
	setBool(&out.RequireCitations, policy.RequireCitations)
	setBool(&out.ProgressiveStreaming, policy.ProgressiveStreaming)
	setFloat(&out.MinRelevanceScore, policy.MinRelevanceScore)
	setFloat(&out.LowConfidenceFloor, policy.LowConfidenceFloor)
	setFloat(&out.RAGMinScore, policy.MinScore)
	setFloat(&out.RAGBroadMinScore, policy.BroadMinScore)

	if out.LowConfidenceFloor > out.MinRelevanceScore {
		return c, fmt.Errorf("guardrail policy: low_confidence_floor %v exceeds min_relevance_score %v", out.LowConfidenceFloor, out.MinRelevanceScore)
	}
	return out, nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
