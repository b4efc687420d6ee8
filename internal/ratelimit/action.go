package ratelimit

import (
	"fmt"
	"time"
)

// Action is the closed set of guarded operations. Keeping it an enum (rather
// than free strings) makes an unknown action a parse error at the edge
// instead of a silently unlimited counter.
type Action int

const (
	ActionLogin Action = iota
	ActionRegister
	ActionForgotPassword
	ActionResetPassword
	ActionOtp
)

// Actions lists every recognized action.
var Actions = []Action{
	ActionLogin,
	ActionRegister,
	ActionForgotPassword,
	ActionResetPassword,
	ActionOtp,
}

func (a Action) String() string {
	switch a {
	case ActionLogin:
		return "login"
	case ActionRegister:
		return "register"
	case ActionForgotPassword:
		return "forgotPassword"
	case ActionResetPassword:
		return "resetPassword"
	case ActionOtp:
		return "otp"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// ParseAction maps a wire-format action name to its enum value.
func ParseAction(s string) (Action, error) {
	switch s {
	case "login":
		return ActionLogin, nil
	case "register":
		return ActionRegister, nil
	case "forgotPassword":
		return ActionForgotPassword, nil
	case "resetPassword":
		return ActionResetPassword, nil
	case "otp":
		return ActionOtp, nil
	default:
		return 0, fmt.Errorf("unrecognized rate limit action %q", s)
	}
}

// Policy is the per-action limit over a fixed window.
type Policy struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// DefaultPolicies are the built-in fallbacks used when no durable override
// exists for an action.
func DefaultPolicies() map[Action]Policy {
	return map[Action]Policy{
		ActionLogin:          {Limit: 10, Window: 300 * time.Second},
		ActionRegister:       {Limit: 5, Window: 300 * time.Second},
		ActionForgotPassword: {Limit: 5, Window: 300 * time.Second},
		ActionResetPassword:  {Limit: 5, Window: 300 * time.Second},
		ActionOtp:            {Limit: 5, Window: 600 * time.Second},
	}
}
