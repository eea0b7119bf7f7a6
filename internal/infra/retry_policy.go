package infra

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// ProviderRetryPolicy defines retry behavior for a specific LLM provider.
type ProviderRetryPolicy struct {
	Name string

	// MaxAttempts is the total number of attempts (1 = no retries).
	MaxAttempts int

	MinDelay       time.Duration
	MaxDelay       time.Duration
	JitterFraction float64

	// ShouldRetry determines if an error should trigger a retry.
	// If nil, defaults to retrying all non-permanent errors.
	ShouldRetry func(err error) bool

	// RetryAfter extracts a server-specified retry delay from an error.
	// Returns 0 if no specific delay is specified.
	RetryAfter func(err error) time.Duration
}

// RetryInfo provides context about a retry attempt.
type RetryInfo struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Error       error
	Label       string
}

// AnthropicRetryPolicy reflects Anthropic's documented 429/529 backoff guidance.
var AnthropicRetryPolicy = ProviderRetryPolicy{
	Name:           "anthropic",
	MaxAttempts:    4,
	MinDelay:       500 * time.Millisecond,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.1,
	ShouldRetry:    IsAnthropicRetryable,
	RetryAfter:     ExtractRetryAfterSeconds,
}

// OpenAIRetryPolicy handles OpenAI's 429 rate limit and 5xx transient errors.
var OpenAIRetryPolicy = ProviderRetryPolicy{
	Name:           "openai",
	MaxAttempts:    4,
	MinDelay:       500 * time.Millisecond,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.1,
	ShouldRetry:    IsOpenAIRetryable,
	RetryAfter:     ExtractRetryAfterSeconds,
}

// BedrockRetryPolicy covers AWS throttling errors returned by bedrockruntime.
var BedrockRetryPolicy = ProviderRetryPolicy{
	Name:           "bedrock",
	MaxAttempts:    5,
	MinDelay:       200 * time.Millisecond,
	MaxDelay:       20 * time.Second,
	JitterFraction: 0.2,
	ShouldRetry:    IsBedrockRetryable,
}

// GeminiRetryPolicy covers Google's RESOURCE_EXHAUSTED / UNAVAILABLE statuses.
var GeminiRetryPolicy = ProviderRetryPolicy{
	Name:           "gemini",
	MaxAttempts:    4,
	MinDelay:       500 * time.Millisecond,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.1,
	ShouldRetry:    IsGeminiRetryable,
	RetryAfter:     ExtractRetryAfterSeconds,
}

// DefaultProviderRetryPolicy is used for unregistered providers.
var DefaultProviderRetryPolicy = ProviderRetryPolicy{
	Name:           "default",
	MaxAttempts:    3,
	MinDelay:       1 * time.Second,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.1,
	ShouldRetry: func(err error) bool {
		return !IsPermanent(err)
	},
}

var providerPolicies = map[string]*ProviderRetryPolicy{
	"anthropic": &AnthropicRetryPolicy,
	"openai":    &OpenAIRetryPolicy,
	"bedrock":   &BedrockRetryPolicy,
	"gemini":    &GeminiRetryPolicy,
}

// GetProviderRetryPolicy returns the retry policy registered for a provider name.
func GetProviderRetryPolicy(provider string) *ProviderRetryPolicy {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if policy, ok := providerPolicies[provider]; ok {
		return policy
	}
	return &DefaultProviderRetryPolicy
}

// RegisterProviderRetryPolicy registers a custom retry policy for a provider.
func RegisterProviderRetryPolicy(provider string, policy *ProviderRetryPolicy) {
	providerPolicies[strings.ToLower(strings.TrimSpace(provider))] = policy
}

var (
	rateLimitPattern  = regexp.MustCompile(`(?i)429|rate.?limit|too many requests`)
	overloadedPattern = regexp.MustCompile(`(?i)529|overloaded|service.?unavailable|503`)
	throttlePattern   = regexp.MustCompile(`(?i)throttl|ProvisionedThroughputExceeded|TooManyRequests`)
	resourceExhausted = regexp.MustCompile(`(?i)resource.?exhausted|unavailable|deadline.?exceeded`)
)

// IsAnthropicRetryable reports whether an Anthropic API error is transient.
func IsAnthropicRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	msg := err.Error()
	return rateLimitPattern.MatchString(msg) || overloadedPattern.MatchString(msg)
}

// IsOpenAIRetryable reports whether an OpenAI API error is transient.
func IsOpenAIRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	msg := err.Error()
	return rateLimitPattern.MatchString(msg) || overloadedPattern.MatchString(msg)
}

// IsBedrockRetryable reports whether a Bedrock runtime error is a throttling error.
func IsBedrockRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return throttlePattern.MatchString(err.Error())
}

// IsGeminiRetryable reports whether a Gemini API error is transient.
func IsGeminiRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return resourceExhausted.MatchString(err.Error())
}

// ExtractRetryAfterSeconds pulls a "retry_after"/"Retry-After" style hint
// out of an error message, in seconds.
func ExtractRetryAfterSeconds(err error) time.Duration {
	if err == nil {
		return 0
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"retry_after", "retry-after"} {
		if idx := strings.Index(msg, marker); idx >= 0 {
			if secs := parseLeadingNumber(msg[idx+len(marker):]); secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}

func parseLeadingNumber(s string) int64 {
	var num int64
	started := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			started = true
			num = num*10 + int64(c-'0')
			continue
		}
		if started {
			break
		}
	}
	return num
}

// ProviderRetryRunner wraps a function with provider-specific retry logic.
type ProviderRetryRunner struct {
	policy *ProviderRetryPolicy
}

// NewProviderRetryRunner creates a retry runner for a provider.
func NewProviderRetryRunner(provider string) *ProviderRetryRunner {
	return &ProviderRetryRunner{policy: GetProviderRetryPolicy(provider)}
}

// Run executes fn with the configured retry policy.
func (r *ProviderRetryRunner) Run(ctx context.Context, fn func(context.Context) error) error {
	cfg := &RetryConfig{
		MaxAttempts:    r.policy.MaxAttempts - 1,
		InitialDelay:   r.policy.MinDelay,
		MaxDelay:       r.policy.MaxDelay,
		Strategy:       BackoffExponential,
		JitterFraction: r.policy.JitterFraction,
		RetryIf:        r.policy.ShouldRetry,
	}
	result := RetryVoid(ctx, cfg, fn)
	return result.LastError
}
