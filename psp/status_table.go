package psp

import "strings"

// StatusTable maps PSP result codes to normalized statuses. Codes are
// matched case-insensitively; unknown codes map to the fallback.
type StatusTable struct {
	codes    map[string]Status
	fallback Status
}

func NewStatusTable(fallback Status, codes map[string]Status) StatusTable {
	normalized := make(map[string]Status, len(codes))
	for code, status := range codes {
		normalized[strings.ToUpper(code)] = status
	}
	return StatusTable{codes: normalized, fallback: fallback}
}

func (t StatusTable) Lookup(code string) Status {
	if status, ok := t.codes[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return status
	}
	return t.fallback
}
