package engine

import "github.com/orchestra-run/orchestra/internal/pipeline/runtime"

// retryDisposition records what a failure class implies for the retry
// engine (spec.md 4.3): whether a fresh attempt is worth the retry budget,
// and whether repeated failures of that class should escalate to a
// stronger model rather than keep retrying the same one.
type retryDisposition struct {
	retry    bool
	escalate bool
}

// failurePolicy maps the failure classes classifyAPIError, the fan-in
// aggregate classifier, and the CLI prompt-probe retry loop assign onto a
// retryDisposition. transient_infra covers provider/network hiccups a
// same-model retry often clears; budget_exhausted and compilation_loop are
// agent-run shapes where the model ran out of turns or is stuck cycling the
// same fix — retrying verbatim rarely escapes either, but stepping up to a
// stronger model sometimes does. deterministic, canceled, and structural
// failures get neither: retrying a contract mismatch or a canceled run just
// burns wall-clock time and retry budget.
var failurePolicy = map[string]retryDisposition{
	failureClassTransientInfra:  {retry: true, escalate: false},
	failureClassBudgetExhausted: {retry: true, escalate: true},
	failureClassCompilationLoop: {retry: true, escalate: true},
}

// dispositionFor looks up the policy for a failure class, defaulting to "no
// retry, no escalate" for any class the table doesn't name (deterministic,
// canceled, structural, and unrecognized strings).
func dispositionFor(failureClass string) retryDisposition {
	return failurePolicy[normalizedFailureClassOrDefault(failureClass)]
}

// shouldRetryOutcome reports whether a fail/retry outcome should consume
// another attempt of the stage's retry budget. executeWithRetry returns
// before calling this for success-shaped statuses.
func shouldRetryOutcome(out runtime.Outcome, failureClass string) bool {
	if out.Status != runtime.StatusFail && out.Status != runtime.StatusRetry {
		return false
	}
	return dispositionFor(failureClass).retry
}

// isEscalatableFailureClass reports whether repeated failures of this class
// should trigger model escalation (forceModel stepping the model tier up)
// rather than another same-model retry.
func isEscalatableFailureClass(failureClass string) bool {
	return dispositionFor(failureClass).escalate
}
