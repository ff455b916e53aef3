package monitor

import (
	"strings"
)

// The monitor's JSON shape varies across PMTA versions. These walkers find
// what they need anywhere in the payload: the first list of objects for
// queue/domain rows, and recognized integer keys for totals.

// firstListOfDicts walks the payload depth-first and returns the first array
// whose elements are objects.
func firstListOfDicts(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		var out []map[string]any
		allDicts := len(t) > 0
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				allDicts = false
				break
			}
			out = append(out, m)
		}
		if allDicts {
			return out
		}
		for _, item := range t {
			if found := firstListOfDicts(item); found != nil {
				return found
			}
		}
	case map[string]any:
		for _, item := range t {
			if found := firstListOfDicts(item); found != nil {
				return found
			}
		}
	}
	return nil
}

// deepInt searches the payload depth-first for the first integer under any
// of the given key names. Key comparison is case-insensitive.
func deepInt(v any, keys ...string) (int, bool) {
	m, ok := v.(map[string]any)
	if ok {
		for _, key := range keys {
			for k, val := range m {
				if !strings.EqualFold(k, key) {
					continue
				}
				if n, isInt := asInt(val); isInt {
					return n, true
				}
			}
		}
		for _, val := range m {
			if n, found := deepInt(val, keys...); found {
				return n, true
			}
		}
		return 0, false
	}
	if arr, isArr := v.([]any); isArr {
		for _, item := range arr {
			if n, found := deepInt(item, keys...); found {
				return n, found
			}
		}
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func intField(m map[string]any, keys ...string) int {
	for _, key := range keys {
		for k, v := range m {
			if strings.EqualFold(k, key) {
				if n, ok := asInt(v); ok {
					return n
				}
			}
		}
	}
	return 0
}

func strField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		for k, v := range m {
			if strings.EqualFold(k, key) {
				if s, ok := v.(string); ok {
					return s
				}
			}
		}
	}
	return ""
}

func parseStatus(payload any) Status {
	st := Status{OK: true}
	if payload == nil {
		return st
	}
	// Known nested paths first, then a restricted deep search.
	if n, ok := deepInt(payload, "queuedRecipients", "queueRcp"); ok {
		st.QueuedRecipients = n
	} else if n, ok := deepInt(payload, "rcp", "rcpts", "recipients", "queued"); ok {
		st.QueuedRecipients = n
	}
	if n, ok := deepInt(payload, "spoolRecipients", "spoolRcp", "spool"); ok {
		st.SpoolRecipients = n
	}
	if n, ok := deepInt(payload, "deferredTotal", "deferred"); ok {
		st.DeferredTotal = n
	}
	if n, ok := deepInt(payload, "connections", "conn", "connOut", "conn-out"); ok {
		st.Connections = n
	}
	return st
}

func parseQueueItems(payload any) []QueueItem {
	rows := firstListOfDicts(payload)
	out := make([]QueueItem, 0, len(rows))
	for _, m := range rows {
		out = append(out, QueueItem{
			Name:       strField(m, "name", "queue"),
			Domain:     strField(m, "domain", "dom"),
			Recipients: intField(m, "rcp", "rcpts", "recipients", "queued"),
			Deferred:   intField(m, "deferred", "defer"),
			Errors:     intField(m, "errors", "err"),
		})
	}
	return out
}

func parseDomainStats(payload any) []DomainStat {
	rows := firstListOfDicts(payload)
	out := make([]DomainStat, 0, len(rows))
	for _, m := range rows {
		out = append(out, DomainStat{
			Domain:    strField(m, "domain", "dom", "name"),
			Queued:    intField(m, "rcp", "rcpts", "recipients", "queued"),
			Deferred:  intField(m, "deferred", "defer"),
			Active:    intField(m, "active", "conn", "connOut"),
			Errors:    intField(m, "errors", "err"),
			LastError: strField(m, "lastError", "last-error", "error"),
		})
	}
	return out
}
