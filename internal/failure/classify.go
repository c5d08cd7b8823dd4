// Package failure maps raw failure text to a stable taxonomy used for both
// diagnostics and retry policy.
package failure

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Buckets of the failure taxonomy
const (
	BucketEmptyOutput         = "empty_output"
	BucketAuth                = "auth"
	BucketPaidProviderBlocked = "paid_provider_blocked"
	BucketFSPermission        = "fs_permission"
	BucketRateLimit           = "rate_limit"
	BucketTimeout             = "timeout"
	BucketGitConflict         = "git_conflict"
	BucketTestFailure         = "test_failure"
	BucketMissingDependency   = "missing_dependency"
	BucketValidation          = "validation"
	BucketModelUnavailable    = "model_unavailable"
	BucketLeaseConflict       = "lease_conflict"
	BucketOther               = "other"
)

// Classification is the derived {bucket, signature, summary} triple. It is a
// pure function of the failure text and is never stored independently.
type Classification struct {
	Bucket    string
	Signature string
	Summary   string
}

type rule struct {
	pattern   *regexp.Regexp
	bucket    string
	signature string
	summary   string
}

// rules is evaluated in order; the first match wins. The three
// paid-provider rules must stay ahead of the generic rate-limit rule
// because their texts are supersets of its quota wording.
var rules = []rule{
	{
		pattern:   regexp.MustCompile(`(?i)invalid api key|api key not set|authentication[_ ]error|credential`),
		bucket:    BucketAuth,
		signature: "auth_invalid_credentials",
		summary:   "Provider rejected the configured credentials.",
	},
	{
		pattern:   regexp.MustCompile(`(?i)AGENT_ALLOW_PAID_PROVIDERS is disabled`),
		bucket:    BucketPaidProviderBlocked,
		signature: "paid_provider_policy_disabled",
		summary:   "Task routes to a paid provider but paid providers are disabled by policy.",
	},
	{
		pattern:   regexp.MustCompile(`(?i)paid provider quota`),
		bucket:    BucketPaidProviderBlocked,
		signature: "paid_provider_quota_blocked",
		summary:   "Paid provider quota is exhausted.",
	},
	{
		pattern:   regexp.MustCompile(`(?i)paid provider window budget`),
		bucket:    BucketPaidProviderBlocked,
		signature: "paid_provider_window_blocked",
		summary:   "Paid provider budget for the current window is exhausted.",
	},
	{
		pattern:   regexp.MustCompile(`(?i)\bunauthorized\b|\bforbidden\b|not authorized|invalid_grant`),
		bucket:    BucketAuth,
		signature: "auth_permission_denied",
		summary:   "Caller is not authorized for this operation.",
	},
	{
		pattern:   regexp.MustCompile(`(?i)permission denied|\bEACCES\b|read-only file system`),
		bucket:    BucketFSPermission,
		signature: "fs_permission_denied",
		summary:   "Filesystem denied access to a required path.",
	},
	{
		pattern:   regexp.MustCompile(`(?i)rate limit|too many requests|\b429\b|quota`),
		bucket:    BucketRateLimit,
		signature: "rate_limit_exceeded",
		summary:   "Provider rate limit or quota hit.",
	},
	{
		pattern:   regexp.MustCompile(`(?i)timed out|timeout|deadline exceeded`),
		bucket:    BucketTimeout,
		signature: "timeout",
		summary:   "Operation exceeded its time budget.",
	},
	{
		pattern:   regexp.MustCompile(`(?i)merge conflict|CONFLICT \(content\)|cannot rebase`),
		bucket:    BucketGitConflict,
		signature: "git_merge_conflict",
		summary:   "Git could not reconcile concurrent changes.",
	},
	{
		pattern:   regexp.MustCompile(`(?i)assertion(error| failed)|tests? failed|^FAIL\b|\bFAIL:`),
		bucket:    BucketTestFailure,
		signature: "test_assertion_failed",
		summary:   "Test or assertion failure in the produced change.",
	},
	{
		pattern:   regexp.MustCompile(`(?i)command not found|no module named|cannot find (module|package)|executable file not found`),
		bucket:    BucketMissingDependency,
		signature: "missing_dependency",
		summary:   "A required tool or dependency is not installed.",
	},
	{
		pattern:   regexp.MustCompile(`(?i)direction is required|prompt is empty|validation (failed|error)|invalid (input|argument)`),
		bucket:    BucketValidation,
		signature: "input_validation_failed",
		summary:   "Task input failed validation before dispatch.",
	},
	{
		pattern:   regexp.MustCompile(`(?i)model .{0,40}(not found|unavailable|does not exist)|model_not_found|unknown model`),
		bucket:    BucketModelUnavailable,
		signature: "model_unavailable",
		summary:   "Requested model is not available on the provider.",
	},
	{
		pattern:   regexp.MustCompile(`(?i)lease_owned_by_other_worker|lease conflict|claimed by another worker`),
		bucket:    BucketLeaseConflict,
		signature: "lease_owned_by_other_worker",
		summary:   "Another worker holds the lease for this task.",
	},
}

// Classify derives the taxonomy triple from whichever failure inputs are
// non-empty. The result is deterministic: the same text always classifies
// identically, including the unknown-failure fallback.
func Classify(outputText, resultError, failureClass string) Classification {
	var parts []string
	for _, s := range []string{outputText, resultError, failureClass} {
		if strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return Classification{
			Bucket:    BucketEmptyOutput,
			Signature: "empty_output",
			Summary:   "Execution produced no output and no error.",
		}
	}

	combined := strings.Join(parts, "\n")
	for _, r := range rules {
		if r.pattern.MatchString(combined) {
			return Classification{Bucket: r.bucket, Signature: r.signature, Summary: r.summary}
		}
	}
	return fallback(combined)
}

// IsPaidProviderBlocked reports whether a classification represents any of
// the paid-provider block variants. Retry callers check this category, not
// the raw text, so the three variants are interchangeable to them.
func IsPaidProviderBlocked(c Classification) bool {
	return c.Bucket == BucketPaidProviderBlocked || strings.HasPrefix(c.Signature, "paid_provider_")
}

var tokenRe = regexp.MustCompile(`[a-z]+`)

// fallback fingerprints unrecognized failures so recurring unknown failures
// group together without pattern-table maintenance. The signature combines a
// readable stem with a short stable digest of the normalized text.
func fallback(text string) Classification {
	normalized := normalize(text)

	var stemTokens []string
	for _, tok := range tokenRe.FindAllString(normalized, -1) {
		if len(tok) < 3 || hexLike(tok) {
			continue
		}
		stemTokens = append(stemTokens, tok)
		if len(stemTokens) == 5 {
			break
		}
	}

	sum := sha256.Sum256([]byte(normalized))
	digest := hex.EncodeToString(sum[:])[:8]

	sig := "other_" + digest
	if len(stemTokens) > 0 {
		sig = "other_" + strings.Join(stemTokens, "_") + "_" + digest
	}

	summary := strings.TrimSpace(text)
	if len(summary) > 200 {
		summary = summary[:200]
	}
	return Classification{Bucket: BucketOther, Signature: sig, Summary: summary}
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// hexLike filters tokens that look like ids or digests out of the stem
func hexLike(tok string) bool {
	if len(tok) < 6 {
		return false
	}
	for _, r := range tok {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
