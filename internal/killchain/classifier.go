// Package killchain assigns each threat event a place in the attack
// lifecycle. Classification is stateless and deterministic: IPS-sourced
// events are classified by keywords in their category and signature text,
// flow-sourced events by structural signals.
package killchain

import (
	"strings"
	"unicode"

	"github.com/lvonguyen/netsentry/internal/model"
)

// Keyword sets are matched case-insensitively as substrings of the combined
// category + signature text. Post-exploitation keywords take precedence over
// exploitation keywords when both appear.
var (
	postExploitKeywords = []string{
		"malware",
		"command and control",
		"command-and-control",
		"backdoor",
		"exfiltration",
		"botnet",
		"trojan",
		"ransomware",
	}

	exploitKeywords = []string{
		"exploit",
		"cve-",
		"injection",
		"overflow",
		"shellcode",
		"code execution",
	}

	reconKeywords = []string{
		"scan",
		"probe",
		"recon",
		"discovery",
		"sweep",
		"enumeration",
	}
)

// Classify maps an event to its kill-chain stage.
func Classify(ev *model.ThreatEvent) model.KillChainStage {
	if ev.IsFlow() {
		return classifyFlow(ev)
	}
	return classifyIPS(ev)
}

func classifyIPS(ev *model.ThreatEvent) model.KillChainStage {
	text := strings.ToLower(ev.Category + " " + ev.SignatureName)

	if containsAny(text, postExploitKeywords) || hasToken(text, "c2") {
		return model.StagePostExploitation
	}

	if containsAny(text, exploitKeywords) {
		// A blocked exploit never executed; a merely detected one may have.
		if ev.Action == model.ActionBlocked {
			return model.StageAttemptedExploitation
		}
		return model.StageActiveExploitation
	}

	if containsAny(text, reconKeywords) {
		return model.StageReconnaissance
	}

	// No keyword basis at all: weigh severity alone.
	if ev.Severity >= 4 {
		if ev.Action == model.ActionBlocked {
			return model.StageAttemptedExploitation
		}
		return model.StageActiveExploitation
	}
	return model.StageReconnaissance
}

func classifyFlow(ev *model.ThreatEvent) model.KillChainStage {
	// An outgoing high-risk flow suggests an already-compromised host
	// calling out.
	if ev.Direction == model.DirectionOutgoing && ev.RiskLevel == model.RiskHigh {
		return model.StagePostExploitation
	}

	if ev.Direction == model.DirectionIncoming {
		if model.IsSensitivePort(ev.DestPort) {
			if ev.Action == model.ActionBlocked {
				return model.StageAttemptedExploitation
			}
			return model.StageActiveExploitation
		}
		if ev.Action == model.ActionBlocked {
			return model.StageReconnaissance
		}
	}

	// High severity outweighs the risk label when the flow was not stopped.
	if ev.Severity >= 4 && ev.Action == model.ActionDetected {
		return model.StageActiveExploitation
	}

	// Outbound traffic with no strong signal is watched, not staged.
	if ev.Direction == model.DirectionOutgoing {
		return model.StageMonitored
	}
	return model.StageReconnaissance
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// hasToken matches a whole word, so a short keyword like "c2" does not fire
// inside unrelated terms ("ec2", "rfc2616").
func hasToken(text, token string) bool {
	for _, f := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if f == token {
			return true
		}
	}
	return false
}
