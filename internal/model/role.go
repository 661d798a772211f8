package model

import (
	"fmt"
	"regexp"
)

// MaxGoalLen bounds the goal text accepted for a run.
const MaxGoalLen = 32 * 1024

var roleKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// ValidateRoleKey checks that key is a lowercase identifier.
func ValidateRoleKey(key string) error {
	if key == "" {
		return fmt.Errorf("role_key is required")
	}
	if !roleKeyPattern.MatchString(key) {
		return fmt.Errorf("role_key %q must be lowercase letters, digits or underscores", key)
	}
	return nil
}

// RoleProfile describes an agent persona known to the runtime. SystemPrompt
// is prepended to every prompt the role sends.
type RoleProfile struct {
	Key          string `json:"key"`
	DisplayName  string `json:"display_name"`
	Title        string `json:"title"`
	Tone         string `json:"tone"`
	Character    string `json:"character"`
	SystemPrompt string `json:"system_prompt"`
}
