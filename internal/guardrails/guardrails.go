// Package guardrails provides the community policy engine that decides
// whether a side-effecting action may run without human confirmation.
//
// Every action is classified into one of three risk tiers:
//   - safe: read-only, always allowed
//   - conditional: allowed unless an escalation predicate over its
//     arguments matches, in which case it needs a decision
//   - dangerous: needs a decision (also the tier of unknown actions)
//
// Command actions (bash and friends) are classified by their command
// string instead; see commands.go.
//
// "Needs a decision" consults the DecisionStore. A recorded allow or deny
// is final; with no record the verdict is ask and the caller surfaces the
// action, via Describe, to a human.
package guardrails

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/agentoven/agentoven/relay/internal/metrics"
	"github.com/agentoven/agentoven/relay/pkg/contracts"
	"github.com/agentoven/agentoven/relay/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
)

const (
	maxSummary    = 200
	maxValueChars = 60
)

// ToolRule declares the risk tier of one action.
type ToolRule struct {
	Name string      `json:"name"`
	Risk models.Risk `json:"risk"`

	// Command marks actions whose argument is a shell-like command string
	// (or an object with a "command" field).
	Command bool `json:"command,omitempty"`

	// EscalateWhen is an expr-lang predicate over the argument object for
	// conditional rules, e.g. `recursive == true`. Unknown fields read as nil.
	EscalateWhen string `json:"escalate_when,omitempty"`
}

// DefaultRules is the built-in action catalog.
var DefaultRules = []ToolRule{
	{Name: "read_file", Risk: models.RiskSafe},
	{Name: "list_directory", Risk: models.RiskSafe},
	{Name: "search_files", Risk: models.RiskSafe},
	{Name: "web_search", Risk: models.RiskSafe},
	{Name: "web_fetch", Risk: models.RiskSafe},
	{Name: "get_time", Risk: models.RiskSafe},
	{Name: "memory_search", Risk: models.RiskSafe},

	{Name: "write_file", Risk: models.RiskConditional, EscalateWhen: systemPathPredicate},
	{Name: "edit_file", Risk: models.RiskConditional, EscalateWhen: systemPathPredicate},
	{Name: "delete_file", Risk: models.RiskConditional, EscalateWhen: `recursive == true || force == true || (path ?? "") in ["/", "~", "."]`},
	{Name: "http_request", Risk: models.RiskConditional, EscalateWhen: `upper(method ?? "GET") not in ["GET", "HEAD", "OPTIONS"]`},

	{Name: "bash", Risk: models.RiskDangerous, Command: true},
	{Name: "shell", Risk: models.RiskDangerous, Command: true},
	{Name: "exec", Risk: models.RiskDangerous, Command: true},
	{Name: "run_command", Risk: models.RiskDangerous, Command: true},

	{Name: "send_email", Risk: models.RiskDangerous},
	{Name: "send_message", Risk: models.RiskDangerous},
}

const systemPathPredicate = `let p = path ?? ""; ` +
	`p startsWith "/etc" || p startsWith "/usr" || p startsWith "/bin" || ` +
	`p startsWith "/sbin" || p startsWith "/boot" || p contains "/.ssh/" || p contains ".."`

type compiledRule struct {
	ToolRule
	escalate *vm.Program
}

var _ contracts.PolicyService = (*Engine)(nil)

// Engine is the community PolicyService.
type Engine struct {
	rules     map[string]*compiledRule
	order     []string
	decisions *DecisionStore
}

// NewEngine compiles rules (DefaultRules when nil) over the decision
// store (memory-only when nil).
func NewEngine(decisions *DecisionStore, rules []ToolRule) (*Engine, error) {
	if rules == nil {
		rules = DefaultRules
	}
	if decisions == nil {
		decisions, _ = OpenDecisionStore("")
	}

	e := &Engine{
		rules:     make(map[string]*compiledRule, len(rules)),
		decisions: decisions,
	}
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("guardrail rule without a name")
		}
		if _, dup := e.rules[r.Name]; dup {
			return nil, fmt.Errorf("duplicate guardrail rule %q", r.Name)
		}
		cr := &compiledRule{ToolRule: r}
		if r.EscalateWhen != "" {
			if r.Risk != models.RiskConditional {
				return nil, fmt.Errorf("rule %q: escalate_when is only valid for conditional rules", r.Name)
			}
			prog, err := expr.Compile(r.EscalateWhen, expr.AsBool(), expr.AllowUndefinedVariables())
			if err != nil {
				return nil, fmt.Errorf("rule %q: compile escalate_when: %w", r.Name, err)
			}
			cr.escalate = prog
		}
		e.rules[r.Name] = cr
		e.order = append(e.order, r.Name)
	}
	return e, nil
}

// Rules returns the action catalog in declaration order.
func (e *Engine) Rules() []ToolRule {
	out := make([]ToolRule, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.rules[name].ToolRule)
	}
	return out
}

// Decisions returns the underlying decision store.
func (e *Engine) Decisions() *DecisionStore { return e.decisions }

// Evaluate classifies a requested action. It never performs the action
// and never fails: anything it cannot classify needs a decision.
func (e *Engine) Evaluate(action string, args interface{}) models.Evaluation {
	ev := e.evaluate(action, args)
	ev.Summary = e.Describe(action, args)

	metrics.PolicyVerdicts.WithLabelValues(string(ev.Verdict)).Inc()
	log.Debug().
		Str("action", action).
		Str("verdict", string(ev.Verdict)).
		Str("risk", string(ev.Risk)).
		Str("reason", ev.Reason).
		Msg("Policy evaluated")
	return ev
}

func (e *Engine) evaluate(action string, args interface{}) models.Evaluation {
	out := models.Evaluation{Action: action}

	rule, known := e.rules[action]
	if !known {
		out.Risk = models.RiskDangerous
		return e.consult(out, action, args, "unrecognized action")
	}
	out.Risk = rule.Risk

	if rule.Command {
		cmd, ok := commandFrom(args)
		if !ok {
			out.Risk = models.RiskDangerous
			return e.consult(out, action, args, "command action without a command string")
		}
		tier, reason := classifyCommand(cmd)
		switch tier {
		case tierSafeList, tierDevTool:
			out.Risk = models.RiskSafe
			out.Verdict = models.VerdictSafe
			out.Reason = reason
			return out
		}
		out.Risk = models.RiskDangerous
		return e.consult(out, action, cmd, reason)
	}

	switch rule.Risk {
	case models.RiskSafe:
		out.Verdict = models.VerdictSafe
		out.Reason = "read-only action"
		return out
	case models.RiskConditional:
		escalate, reason := rule.escalates(args)
		if !escalate {
			out.Verdict = models.VerdictSafe
			out.Reason = "conditional action within bounds"
			return out
		}
		return e.consult(out, action, args, reason)
	default:
		return e.consult(out, action, args, "dangerous action")
	}
}

// consult resolves a needs-decision outcome against recorded decisions.
func (e *Engine) consult(out models.Evaluation, action string, args interface{}, reason string) models.Evaluation {
	key, err := CanonicalKey(action, args)
	if err != nil {
		out.Verdict = models.VerdictAsk
		out.Reason = reason + "; " + err.Error()
		return out
	}
	out.Key = key

	allow, found := e.decisions.Lookup(key)
	switch {
	case !found:
		out.Verdict = models.VerdictAsk
		out.Reason = reason
	case allow:
		out.Verdict = models.VerdictAllow
		out.Reason = reason + "; allowed by recorded decision"
	default:
		out.Verdict = models.VerdictDeny
		out.Reason = reason + "; denied by recorded decision"
	}
	return out
}

// escalates runs the rule's predicate. A predicate that fails to evaluate
// escalates.
func (r *compiledRule) escalates(args interface{}) (bool, string) {
	if r.escalate == nil {
		return false, ""
	}
	env := map[string]interface{}{}
	for k, v := range argsMap(args) {
		env[k] = v
	}
	env["args"] = args

	res, err := expr.Run(r.escalate, env)
	if err != nil {
		log.Warn().Err(err).Str("action", r.Name).Msg("Escalation predicate failed, escalating")
		return true, "escalation predicate failed: " + err.Error()
	}
	if b, _ := res.(bool); b {
		return true, "escalated: " + r.EscalateWhen
	}
	return false, ""
}

// RecordDecision persists a human allow/deny answer for this exact action
// and argument. Command actions are keyed by their command string.
func (e *Engine) RecordDecision(action string, args interface{}, allow bool) error {
	if rule, ok := e.rules[action]; ok && rule.Command {
		if cmd, ok := commandFrom(args); ok {
			args = cmd
		}
	}
	key, err := CanonicalKey(action, args)
	if err != nil {
		return err
	}
	if err := e.decisions.Record(key, allow); err != nil {
		return err
	}
	log.Info().Str("action", action).Str("key", key).Bool("allow", allow).Msg("Policy decision recorded")
	return nil
}

// Describe renders a short human-readable summary of the action, for
// confirmation prompts.
func (e *Engine) Describe(action string, args interface{}) string {
	if rule, ok := e.rules[action]; ok && rule.Command {
		if cmd, ok := commandFrom(args); ok {
			return truncate(action+": "+strings.TrimSpace(cmd), maxSummary)
		}
	}

	switch v := args.(type) {
	case nil:
		return action
	case string:
		return truncate(action+": "+v, maxSummary)
	}

	m := argsMap(args)
	if m == nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return action
		}
		return truncate(action+": "+string(raw), maxSummary)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(m[k]))
	}
	return truncate(action+"("+strings.Join(parts, ", ")+")", maxSummary)
}

func formatValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return truncate(s, maxValueChars)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return truncate(string(raw), maxValueChars)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
