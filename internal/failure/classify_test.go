package failure

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		name      string
		text      string
		bucket    string
		signature string
	}{
		{
			name:      "paid provider policy",
			text:      "Blocked: task routes to a paid provider and AGENT_ALLOW_PAID_PROVIDERS is disabled.",
			bucket:    BucketPaidProviderBlocked,
			signature: "paid_provider_policy_disabled",
		},
		{
			name:      "paid provider quota",
			text:      "Blocked: paid provider quota exhausted for this organization.",
			bucket:    BucketPaidProviderBlocked,
			signature: "paid_provider_quota_blocked",
		},
		{
			name:      "paid provider window",
			text:      "Blocked: paid provider window budget exhausted, resets at 18:00.",
			bucket:    BucketPaidProviderBlocked,
			signature: "paid_provider_window_blocked",
		},
		{
			name:      "generic 429 is rate limit, not paid provider",
			text:      "HTTP 429 Too Many Requests",
			bucket:    BucketRateLimit,
			signature: "rate_limit_exceeded",
		},
		{
			name:      "credentials",
			text:      "authentication_error: invalid api key",
			bucket:    BucketAuth,
			signature: "auth_invalid_credentials",
		},
		{
			name:      "filesystem permission",
			text:      "open /var/lib/agent/state.db: permission denied",
			bucket:    BucketFSPermission,
			signature: "fs_permission_denied",
		},
		{
			name:      "timeout",
			text:      "context deadline exceeded while waiting for completion",
			bucket:    BucketTimeout,
			signature: "timeout",
		},
		{
			name:      "git conflict",
			text:      "CONFLICT (content): Merge conflict in internal/worker/worker.go",
			bucket:    BucketGitConflict,
			signature: "git_merge_conflict",
		},
		{
			name:      "test failure",
			text:      "--- FAIL: TestPayout (0.01s)\n2 tests failed",
			bucket:    BucketTestFailure,
			signature: "test_assertion_failed",
		},
		{
			name:      "missing dependency",
			text:      "bash: rg: command not found",
			bucket:    BucketMissingDependency,
			signature: "missing_dependency",
		},
		{
			name:      "validation",
			text:      "validation failed: direction is required",
			bucket:    BucketValidation,
			signature: "input_validation_failed",
		},
		{
			name:      "model unavailable",
			text:      "model claude-sonnet-9 does not exist or you do not have access",
			bucket:    BucketModelUnavailable,
			signature: "model_unavailable",
		},
		{
			name:      "lease conflict",
			text:      "claim rejected: lease_owned_by_other_worker",
			bucket:    BucketLeaseConflict,
			signature: "lease_owned_by_other_worker",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.text, "", "")
			assert.Equal(t, tc.bucket, got.Bucket)
			assert.Equal(t, tc.signature, got.Signature)
			assert.NotEmpty(t, got.Summary)
		})
	}
}

func TestClassifyEmptyInput(t *testing.T) {
	got := Classify("", "  ", "")
	assert.Equal(t, BucketEmptyOutput, got.Bucket)
}

func TestClassifyDeterministic(t *testing.T) {
	text := "Blocked: task routes to a paid provider and AGENT_ALLOW_PAID_PROVIDERS is disabled."
	assert.Equal(t, Classify(text, "", ""), Classify(text, "", ""))
}

func TestClassifyUnknownStableFingerprint(t *testing.T) {
	text := "the flux capacitor misaligned during reticulation at 0xdeadbeef42"

	first := Classify(text, "", "")
	second := Classify(text, "", "")

	require.Equal(t, BucketOther, first.Bucket)
	assert.Equal(t, first.Signature, second.Signature, "same unknown text must fingerprint identically")
	assert.True(t, strings.HasPrefix(first.Signature, "other_the_flux_capacitor_misaligned_during_"), "signature = %s", first.Signature)

	// Different unknown text gets a different digest
	other := Classify("an entirely different mystery failure", "", "")
	assert.NotEqual(t, first.Signature, other.Signature)
}

func TestClassifyStemSkipsHexTokens(t *testing.T) {
	got := Classify("deadbeef cafebabe widget exploded unexpectedly", "", "")
	assert.True(t, strings.HasPrefix(got.Signature, "other_widget_exploded_unexpectedly_"), "signature = %s", got.Signature)
}

func TestIsPaidProviderBlocked(t *testing.T) {
	for _, text := range []string{
		"Blocked: task routes to a paid provider and AGENT_ALLOW_PAID_PROVIDERS is disabled.",
		"Blocked: paid provider quota exhausted.",
		"Blocked: paid provider window budget exhausted.",
	} {
		assert.True(t, IsPaidProviderBlocked(Classify(text, "", "")), "text: %s", text)
	}

	assert.False(t, IsPaidProviderBlocked(Classify("HTTP 429 Too Many Requests", "", "")))
}
