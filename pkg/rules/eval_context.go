package rules

import (
	"encoding/json"
	"time"

	"github.com/acteon/gateway/pkg/core"
)

// evalContext is the per-evaluation context built for each rule (spec.md
// §4.2 step 1): {action, time, env}. The `state` leg of the spec's context
// is served by the Engine's EventReader on demand (has_active_event etc.)
// rather than materialized eagerly here.
type evalContext struct {
	action    *core.Action
	payloadJS []byte // cached JSON encoding of action.Payload, for gjson field reads
	hour      int
	minute    int
	weekday   string
	timestamp int64
	env       map[string]string
}

func newEvalContext(action *core.Action, loc *time.Location) *evalContext {
	now := time.Now().In(loc)
	raw, _ := json.Marshal(action.Payload)
	return &evalContext{
		action:    action,
		payloadJS: raw,
		hour:      now.Hour(),
		minute:    now.Minute(),
		weekday:   now.Weekday().String(),
		timestamp: now.Unix(),
		env:       whitelistedEnv(),
	}
}

// whitelistedEnv returns the small set of environment-derived keys rule
// expressions may read (spec.md §4.2 "env:<whitelisted keys>"). Nothing is
// whitelisted by default; an embedding program populates this via
// SetEnvWhitelist at startup.
var envWhitelist = map[string]string{}

// SetEnvWhitelist replaces the process-wide whitelist of env keys rule
// expressions may reference as `env.<key>`.
func SetEnvWhitelist(values map[string]string) {
	envWhitelist = values
}

func whitelistedEnv() map[string]string {
	return envWhitelist
}
