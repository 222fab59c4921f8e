package sync

import (
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

// ErrorCategory classifies a Remote Driver failure so the Queue knows how to
// react. The Remote Driver is treated as a string oracle: categorization is
// done by matching substrings in the error text, not by inspecting wire
// status codes the core never sees.
type ErrorCategory string

// Error categories recognized by the retry classifier.
const (
	CategoryNetwork        ErrorCategory = "NETWORK"
	CategoryReuploadNeeded ErrorCategory = "REUPLOAD_NEEDED"
	CategoryAuth           ErrorCategory = "AUTH"
	CategoryLocalNotFound  ErrorCategory = "LOCAL_NOT_FOUND"
	CategoryOther          ErrorCategory = "OTHER"
)

// ErrLocalVanished is returned by the Executor when the local file backing
// a job disappeared between the Classifier's batch and execution time.
var ErrLocalVanished = errors.New("sync: local path not found")

// classify maps a Remote Driver error to a retry category by matching
// lowercase substrings against its message. Ordering matters: the most
// specific categories are checked first.
func classify(err error) ErrorCategory {
	if err == nil {
		return CategoryOther
	}

	if errors.Is(err, ErrLocalVanished) {
		return CategoryLocalNotFound
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "parent session expired", "re-authentication required",
		"invalid refresh token", "10013"):
		return CategoryAuth
	case containsAny(msg, "draft revision already exists",
		"file or folder with that name already exists", "file or folder not found"):
		return CategoryReuploadNeeded
	case containsAny(msg, "local path not found"):
		return CategoryLocalNotFound
	case containsAny(msg, "econnrefused", "econnreset", "etimedout", "enotfound", "eai_again",
		"enetunreach", "ehostunreach", "socket hang up", "network", "timeout", "connection",
		"fetch failed"):
		return CategoryNetwork
	default:
		return CategoryOther
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}

	return false
}

// jitterFraction is the symmetric spread applied around each base retry
// delay: the actual delay is drawn uniformly from [base*(1-J), base*(1+J)].
const jitterFraction = 0.25

// retryPolicy describes one error category's retry schedule: a table of base
// delays indexed by retry attempt (capped at the table's length), plus the
// maximum number of retries allowed before the job is marked BLOCKED.
type retryPolicy struct {
	delays []time.Duration
	maxCap int
}

var networkDelays = []time.Duration{
	1 * time.Second, 4 * time.Second, 16 * time.Second, 64 * time.Second, 256 * time.Second,
}

var otherDelays = []time.Duration{
	1 * time.Second, 4 * time.Second, 16 * time.Second, 64 * time.Second, 256 * time.Second,
	1024 * time.Second, 4096 * time.Second, 16384 * time.Second, 65536 * time.Second,
	262144 * time.Second, 604800 * time.Second,
}

var reuploadDelays = []time.Duration{256 * time.Second, 256 * time.Second}

// localNotFoundCap bounds LOCAL_NOT_FOUND retries well short of OTHER's
// week-long ceiling: a vanished local file is unlikely to reappear, so there
// is little value in chasing it for a full week.
const localNotFoundCap = 5

// policies maps each error category to its retry schedule. NETWORK retries
// indefinitely (nRetries is unbounded) but its delay schedule's index is
// capped at its last entry. AUTH never retries — a stale credential needs a
// human, not a backoff.
var policies = map[ErrorCategory]retryPolicy{
	CategoryNetwork:        {delays: networkDelays, maxCap: -1},
	CategoryReuploadNeeded: {delays: reuploadDelays, maxCap: len(reuploadDelays)},
	CategoryAuth:           {delays: nil, maxCap: 0},
	CategoryLocalNotFound:  {delays: otherDelays, maxCap: localNotFoundCap},
	CategoryOther:          {delays: otherDelays, maxCap: len(otherDelays)},
}

// retryCap returns the maximum nRetries allowed for a category before the
// job must be marked BLOCKED (or, for REUPLOAD_NEEDED, compensated via
// delete-then-recreate instead of a further retry). -1 means unbounded.
func retryCap(cat ErrorCategory) int {
	return policies[cat].maxCap
}

// nextRetryDelay returns the jittered backoff delay for the given category
// and 1-indexed retry attempt (the delay scheduled after the Nth failure).
func nextRetryDelay(cat ErrorCategory, nRetries int) time.Duration {
	policy := policies[cat]
	if len(policy.delays) == 0 {
		return 0
	}

	idx := nRetries - 1
	if idx < 0 {
		idx = 0
	}

	if idx >= len(policy.delays) {
		idx = len(policy.delays) - 1
	}

	base := policy.delays[idx]
	spread := float64(base) * jitterFraction
	delta := (rand.Float64()*2 - 1) * spread
	delay := base + time.Duration(delta)

	if delay < time.Second {
		delay = time.Second
	}

	return delay
}
