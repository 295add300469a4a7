// Package retry implements the Retry Manager (§4.8 C8): a pure error
// classifier plus the backoff/attempt-budget policy table the
// Orchestration Monitor and Workflow Engine consult before giving up on
// a failed task.
package retry

import (
	"errors"
	"strings"
	"time"

	"github.com/swarmforge/orchestrator/pkg/config"
	"github.com/swarmforge/orchestrator/pkg/errs"
	"github.com/swarmforge/orchestrator/pkg/llmgateway"
	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/store"
)

// Kind is the error taxonomy row a failure is classified into.
type Kind string

const (
	KindTransient       Kind = "transient"
	KindRecoverableCode Kind = "recoverable_code"
	KindConfiguration   Kind = "configuration"
	KindDesignFlaw      Kind = "design_flaw"
	KindExternalBlocker Kind = "external_blocker"
	KindUnknown         Kind = "unknown"
)

// Disposition says what the caller should do next.
type Disposition string

const (
	DispositionBackoffRetry Disposition = "backoff_retry"
	DispositionRegenerate   Disposition = "regenerate"
	DispositionReplan       Disposition = "replan"
	DispositionEscalate     Disposition = "escalate"
)

// RetryAction is the full verdict ClassifyError returns: what kind of
// failure this was, what to do about it, and the escalation metadata
// to attach if the caller ends up creating one.
type RetryAction struct {
	Kind             Kind
	Disposition      Disposition
	MaxAttempts      int
	EscalationKind   models.EscalationKind
	SuggestedActions []string
}

// connectionSubstrings mirrors the teacher's isConnectionError: a
// fallback net for errors from outside this codebase (raw network
// errors from the LLM SDK's transport) that never reach this package
// as one of our typed errors.
var connectionSubstrings = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"connection closed",
	"no such host",
	"circuit open",
	"timeout",
	"eof",
}

var configurationSubstrings = []string{
	"api key",
	"unauthorized",
	"missing secret",
	"401",
	"403",
}

var externalBlockerSubstrings = []string{
	"service unavailable",
	"upstream",
	"502",
	"503",
	"504",
}

// Manager holds the configured attempt budgets for each taxonomy row;
// ClassifyError is a package-level function for callers that only need
// the classification, but the Monitor and Workflow Engine hold a
// Manager so the budgets follow the operator's config rather than a
// hardcoded constant.
type Manager struct {
	cfg config.RetryConfig
}

// New constructs a Manager from the Retry Manager's configuration section.
func New(cfg config.RetryConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Classify is ClassifyError with MaxAttempts filled in from the
// Manager's configured budgets rather than the package defaults.
func (m *Manager) Classify(err error) RetryAction {
	action := ClassifyError(err)
	switch action.Kind {
	case KindTransient:
		action.MaxAttempts = m.cfg.TransientMaxAttempts
	case KindRecoverableCode:
		action.MaxAttempts = m.cfg.RecoverableCodeMaxAttempts
	case KindDesignFlaw:
		action.MaxAttempts = m.cfg.DesignFlawMaxAttempts
	}
	return action
}

// BackoffFor computes the exponential backoff window before the given
// attempt number (1-indexed) of a transient failure may be retried,
// base·2^(attempts-1) capped at the configured maximum.
func (m *Manager) BackoffFor(attempts int) time.Duration {
	return backoffFor(attempts, m.cfg.TransientBaseBackoff, m.cfg.TransientMaxBackoff)
}

// ClassifyError determines the RetryAction for a failed activity's
// error. Typed errors (§7) are checked first via errors.As; only
// errors that originate outside this codebase fall through to
// substring matching on the wrapped message. MaxAttempts is filled in
// with the §4.8 defaults; callers with a configured Manager should
// prefer Manager.Classify.
func ClassifyError(err error) RetryAction {
	if err == nil {
		return RetryAction{Kind: KindUnknown, Disposition: DispositionEscalate, MaxAttempts: 0}
	}

	var rateLimited *llmgateway.RateLimited
	if errors.As(err, &rateLimited) {
		return RetryAction{Kind: KindTransient, Disposition: DispositionBackoffRetry, MaxAttempts: 5}
	}

	var invalidJSON *llmgateway.InvalidJSON
	if errors.As(err, &invalidJSON) {
		return RetryAction{Kind: KindRecoverableCode, Disposition: DispositionRegenerate, MaxAttempts: 2}
	}

	var storageUnavailable *store.StorageUnavailable
	if errors.As(err, &storageUnavailable) {
		return RetryAction{Kind: KindTransient, Disposition: DispositionBackoffRetry, MaxAttempts: 5}
	}

	var cycle *errs.CycleDetected
	if errors.As(err, &cycle) {
		return RetryAction{
			Kind: KindDesignFlaw, Disposition: DispositionReplan, MaxAttempts: 2,
			EscalationKind: models.EscalationDesignDecision,
		}
	}

	var designFlaw *errs.DesignFlaw
	if errors.As(err, &designFlaw) {
		return RetryAction{
			Kind: KindDesignFlaw, Disposition: DispositionReplan, MaxAttempts: 2,
			EscalationKind: models.EscalationDesignDecision,
		}
	}

	var configuration *errs.Configuration
	if errors.As(err, &configuration) {
		return RetryAction{
			Kind: KindConfiguration, Disposition: DispositionEscalate, MaxAttempts: 0,
			EscalationKind: models.EscalationConfiguration,
		}
	}

	msg := strings.ToLower(err.Error())

	for _, s := range configurationSubstrings {
		if strings.Contains(msg, s) {
			return RetryAction{
				Kind: KindConfiguration, Disposition: DispositionEscalate, MaxAttempts: 0,
				EscalationKind: models.EscalationConfiguration,
			}
		}
	}

	for _, s := range externalBlockerSubstrings {
		if strings.Contains(msg, s) {
			return RetryAction{
				Kind: KindExternalBlocker, Disposition: DispositionEscalate, MaxAttempts: 0,
				EscalationKind:   models.EscalationExternalService,
				SuggestedActions: []string{"verify upstream service status", "retry once the dependency recovers"},
			}
		}
	}

	for _, s := range connectionSubstrings {
		if strings.Contains(msg, s) {
			return RetryAction{Kind: KindTransient, Disposition: DispositionBackoffRetry, MaxAttempts: 5}
		}
	}

	return RetryAction{
		Kind: KindUnknown, Disposition: DispositionEscalate, MaxAttempts: 0,
		EscalationKind: models.EscalationUnclearRequirement,
	}
}

// BackoffDefaults are the §4.8 transient-kind backoff parameters, used
// by the package-level BackoffFor when no Manager is available.
const (
	BaseBackoff = 2 * time.Second
	MaxBackoff  = 60 * time.Second
)

// BackoffFor computes the exponential backoff window using the §4.8
// defaults. Prefer Manager.BackoffFor when a configured Manager exists.
func BackoffFor(attempts int) time.Duration {
	return backoffFor(attempts, BaseBackoff, MaxBackoff)
}

func backoffFor(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = BaseBackoff
	}
	if max <= 0 {
		max = MaxBackoff
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// NewEscalation builds the Escalation row the caller should persist
// once a RetryAction's disposition is DispositionEscalate.
func NewEscalation(swarmID, taskID, agentID string, action RetryAction, description string) models.Escalation {
	return models.Escalation{
		SwarmID:          swarmID,
		TaskID:           taskID,
		AgentID:          agentID,
		Kind:             action.EscalationKind,
		Description:      description,
		SuggestedActions: action.SuggestedActions,
		Status:           models.EscalationPending,
	}
}
