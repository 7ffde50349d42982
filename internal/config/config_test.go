package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadIncludesRetrievalAndGroundingDefaults(t *testing.T) {
	t.Setenv("RAG_TOP_K", "")
	t.Setenv("RAG_MIN_SCORE", "")
	t.Setenv("STRICT_GROUNDING", "")
	t.Setenv("MIN_RELEVANCE_SCORE", "")
	t.Setenv("LLM_PROVIDER", "")

	cfg := Load()
	if cfg.RAGTopK != 10 {
		t.Fatalf("expected default top k 10, got %d", cfg.RAGTopK)
	}
	if cfg.RAGMinScore != 0.3 || cfg.RAGBroadMinScore != 0.2 {
		t.Fatalf("unexpected default min scores %v %v", cfg.RAGMinScore, cfg.RAGBroadMinScore)
	}
	if !cfg.StrictGrounding || cfg.MinRelevanceScore != 0.45 {
		t.Fatalf("expected strict grounding on with 0.45 floor, got %v %v", cfg.StrictGrounding, cfg.MinRelevanceScore)
	}
	if cfg.LLMProvider != ProviderOllama {
		t.Fatalf("expected ollama provider by default, got %q", cfg.LLMProvider)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("RAG_TOP_K", "7")
	t.Setenv("RAG_MIN_SCORE", "0.35")
	t.Setenv("STRICT_GROUNDING", "false")
	t.Setenv("RESILIENCE_RETRY_MAX_BACKOFF", "2s")
	t.Setenv("RATE_LIMIT_RPS", "not-a-number")

	cfg := Load()
	if cfg.RAGTopK != 7 || cfg.RAGMinScore != 0.35 || cfg.StrictGrounding {
		t.Fatalf("expected overrides, got %+v", cfg)
	}
	if cfg.RetryMaxBackoff != 2*time.Second {
		t.Fatalf("expected duration override, got %s", cfg.RetryMaxBackoff)
	}
	if cfg.RateLimitRPS != 5 {
		t.Fatalf("invalid float should fall back, got %v", cfg.RateLimitRPS)
	}
}

func TestWithPolicyFileOverlaysOnlyPresentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := "strict_grounding: false\nmin_relevance_score: 0.6\nrequire_citations: true\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	base := Config{
		StrictGrounding:      true,
		MinRelevanceScore:    0.45,
		LowConfidenceFloor:   0.3,
		ProgressiveStreaming: true,
		GuardrailPolicyFile:  path,
	}
	cfg, err := base.WithPolicyFile()
	if err != nil {
		t.Fatalf("WithPolicyFile() error = %v", err)
	}
	if cfg.StrictGrounding || cfg.MinRelevanceScore != 0.6 || !cfg.RequireCitations {
		t.Fatalf("expected overlay, got %+v", cfg)
	}
	if cfg.LowConfidenceFloor != 0.3 || !cfg.ProgressiveStreaming {
		t.Fatalf("absent keys must keep env values, got %+v", cfg)
	}
}

func TestWithPolicyFileRejectsInvalidValues(t *testing.T) {
	base := Config{MinRelevanceScore: 0.45, LowConfidenceFloor: 0.3}

	if _, err := base.applyPolicy([]byte("min_relevance_score: 1.5\n")); err == nil || !strings.Contains(err.Error(), "min_relevance_score") {
		t.Fatalf("expected range error, got %v", err)
	}
	if _, err := base.applyPolicy([]byte("low_confidence_floor: 0.5\n")); err == nil {
		t.Fatalf("expected floor above threshold to be rejected")
	}
	if _, err := base.applyPolicy([]byte("strict_grounding: [nope\n")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestWithPolicyFileWithoutPathIsNoop(t *testing.T) {
	base := Config{MinRelevanceScore: 0.45}
	cfg, err := base.WithPolicyFile()
	if err != nil || cfg != base {
		t.Fatalf("expected unchanged config, got %+v %v", cfg, err)
	}
}
