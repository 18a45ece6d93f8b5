package engine

import (
	"fmt"
	"strings"

	"idguard/internal/model"
)

const activeCompromiseWarning = "WARNING: This account appears to be under active compromise progression."

// ClassifyAttack walks a fixed priority list; the first match wins.
func ClassifyAttack(alert model.Alert) model.AttackType {
	switch {
	case alert.HasRule(RuleSSHFailedAuth) || alert.HasRule(RuleFailedAttempts):
		return model.AttackCredentialBruteForce
	case alert.HasRule(RuleSensitiveResource) && !strings.EqualFold(alert.Role, "admin"):
		return model.AttackPrivilegeAbuse
	case alert.ActiveAttack:
		return model.AttackActiveTakeover
	case alert.HasRule(RuleVPNLogin):
		return model.AttackSuspiciousRemote
	default:
		return model.AttackAnomalousAccess
	}
}

// BuildNarrative renders the alert as text. Every value comes from the alert
// itself, so the narrative can always be rebuilt from the stored fields.
func BuildNarrative(alert model.Alert) string {
	attack := alert.AttackType
	if attack == "" {
		attack = ClassifyAttack(alert)
	}
	var b strings.Builder
	b.WriteString("ATTACK NARRATIVE:\n")
	fmt.Fprintf(&b, "User %s is likely involved in a %s.\n\n", alert.UserID, attack.Label())
	b.WriteString("Observed Behavior:\n")
	fmt.Fprintf(&b, "- Alert Level: %s\n", alert.Severity)
	fmt.Fprintf(&b, "- Risk Score: %d\n", alert.RiskScore)
	fmt.Fprintf(&b, "- Resource Targeted: %s\n", alert.Resource)
	fmt.Fprintf(&b, "- Country: %s\n", alert.Country)
	fmt.Fprintf(&b, "- Risk Trend: %s\n\n", alert.Trend)
	b.WriteString("Key Indicators:\n")
	for _, r := range alert.Reasons {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	if alert.ActiveAttack {
		b.WriteString("\n")
		b.WriteString(activeCompromiseWarning)
	}
	return strings.TrimSpace(b.String())
}
