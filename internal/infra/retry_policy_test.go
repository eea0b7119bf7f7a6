package infra

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetProviderRetryPolicy(t *testing.T) {
	tests := []struct {
		provider string
		expected string
	}{
		{"anthropic", "anthropic"},
		{"Anthropic", "anthropic"},
		{"OPENAI", "openai"},
		{"bedrock", "bedrock"},
		{"gemini", "gemini"},
		{"unknown", "default"},
		{"", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			policy := GetProviderRetryPolicy(tt.provider)
			if policy.Name != tt.expected {
				t.Errorf("expected policy %s, got %s", tt.expected, policy.Name)
			}
		})
	}
}

func TestIsAnthropicRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"rate limit error", errors.New("rate limit exceeded"), true},
		{"429 error", errors.New("HTTP 429 Too Many Requests"), true},
		{"overloaded", errors.New("529 overloaded_error"), true},
		{"bad request", errors.New("invalid request: missing field"), false},
		{"permanent error", AsPermanent(errors.New("rate limit")), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsAnthropicRetryable(tt.err); result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestIsBedrockRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"throttling", errors.New("ThrottlingException: Rate exceeded"), true},
		{"provisioned throughput", errors.New("ProvisionedThroughputExceededException"), true},
		{"access denied", errors.New("AccessDeniedException"), false},
		{"permanent error", AsPermanent(errors.New("throttled")), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsBedrockRetryable(tt.err); result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestIsGeminiRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"resource exhausted", errors.New("RESOURCE_EXHAUSTED: quota exceeded"), true},
		{"unavailable", errors.New("UNAVAILABLE"), true},
		{"invalid argument", errors.New("INVALID_ARGUMENT"), false},
		{"permanent error", AsPermanent(errors.New("unavailable")), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsGeminiRetryable(tt.err); result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestExtractRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected time.Duration
	}{
		{"with retry_after", errors.New(`{"retry_after": 5, "message": "rate limited"}`), 5 * time.Second},
		{"with retry-after", errors.New("Retry-After: 10"), 10 * time.Second},
		{"without hint", errors.New("generic error"), 0},
		{"nil error", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := ExtractRetryAfterSeconds(tt.err); result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestRegisterProviderRetryPolicy(t *testing.T) {
	customPolicy := &ProviderRetryPolicy{
		Name:        "custom",
		MaxAttempts: 5,
		MinDelay:    100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}

	RegisterProviderRetryPolicy("custom", customPolicy)

	policy := GetProviderRetryPolicy("custom")
	if policy.Name != "custom" {
		t.Errorf("expected custom policy, got %s", policy.Name)
	}
	if policy.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", policy.MaxAttempts)
	}
}

func TestProviderRetryRunner_Run(t *testing.T) {
	runner := NewProviderRetryRunner("anthropic")

	var attempts int32
	err := runner.Run(context.Background(), func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("rate limit exceeded")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestProviderRetryRunner_NonRetryableError(t *testing.T) {
	runner := NewProviderRetryRunner("anthropic")

	var attempts int32
	err := runner.Run(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("invalid request body")
	})

	if err == nil {
		t.Error("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt for non-retryable error, got %d", attempts)
	}
}

func TestProviderRetryRunner_PermanentError(t *testing.T) {
	runner := NewProviderRetryRunner("gemini")

	var attempts int32
	err := runner.Run(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return AsPermanent(errors.New("unavailable"))
	})

	if err == nil {
		t.Error("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt for permanent error, got %d", attempts)
	}
}

func TestProviderRetryPolicyDefaults(t *testing.T) {
	policies := []struct {
		name   string
		policy *ProviderRetryPolicy
	}{
		{"anthropic", &AnthropicRetryPolicy},
		{"openai", &OpenAIRetryPolicy},
		{"bedrock", &BedrockRetryPolicy},
		{"gemini", &GeminiRetryPolicy},
		{"default", &DefaultProviderRetryPolicy},
	}

	for _, p := range policies {
		t.Run(p.name, func(t *testing.T) {
			if p.policy.MaxAttempts < 1 {
				t.Error("MaxAttempts should be at least 1")
			}
			if p.policy.MinDelay <= 0 {
				t.Error("MinDelay should be positive")
			}
			if p.policy.MaxDelay < p.policy.MinDelay {
				t.Error("MaxDelay should be >= MinDelay")
			}
			if p.policy.JitterFraction < 0 || p.policy.JitterFraction > 1 {
				t.Error("JitterFraction should be between 0 and 1")
			}
		})
	}
}
