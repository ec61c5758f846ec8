package detect

import (
	"strconv"
	"strings"
	"time"

	"sentinel/core"
)

// resolveField looks up a dotted path on an event. The reserved names id,
// timestamp, source and type address the event envelope; every other path is
// resolved inside Fields, with an optional explicit "fields." prefix. Numeric
// segments index into arrays. The second return is false when any segment is
// missing, which callers treat as a non-match.
func resolveField(ev *core.Event, path string) (interface{}, bool) {
	switch path {
	case "id":
		return ev.ID, ev.ID != ""
	case "timestamp":
		if ev.Timestamp.IsZero() {
			return nil, false
		}
		return ev.Timestamp.UTC().Format(time.RFC3339Nano), true
	case "source":
		return ev.Source, ev.Source != ""
	case "type":
		return ev.Type, ev.Type != ""
	}

	path = strings.TrimPrefix(path, "fields.")
	if ev.Fields == nil || path == "" {
		return nil, false
	}

	// exact key first, so flattened names like "user.name" still resolve
	if v, ok := ev.Fields[path]; ok {
		return v, v != nil
	}

	var cur interface{} = ev.Fields
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}
