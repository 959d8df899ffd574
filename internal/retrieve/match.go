package retrieve

import (
	"fmt"
	"strings"
)

// Match is one retrieved action point, best first in any returned list.
type Match struct {
	Score        float64 `json:"score"`
	ActionID     any     `json:"action_id"`
	ActionPoint  string  `json:"action_point"`
	CircularName *string `json:"circular_name"`
}

// Circular returns the circular name or "".
func (m Match) Circular() string {
	if m.CircularName == nil {
		return ""
	}
	return *m.CircularName
}

// Key identifies a match across result lists: the action id when present,
// otherwise the action point text.
func (m Match) Key() string {
	if m.ActionID != nil {
		return "id:" + fmt.Sprint(m.ActionID)
	}
	return "text:" + m.ActionPoint
}

var payloadFields = []string{"action_point", "action_id", "circular_name"}

var circularKeys = []string{"circular_name", "circular_title", "circular_reference", "circular_ref", "circular"}

func payloadString(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func extractCircularName(payload map[string]any) *string {
	for _, key := range circularKeys {
		if s := payloadString(payload, key); s != "" {
			return &s
		}
	}
	return nil
}

// mapMatches converts store hits to matches, dropping hits without text.
func mapMatches(points []point) []Match {
	matches := make([]Match, 0, len(points))
	for _, p := range points {
		text := payloadString(p.Payload, "action_point")
		if text == "" {
			continue
		}
		var id any
		if v, ok := p.Payload["action_id"]; ok && v != nil && v != "" {
			id = v
		}
		matches = append(matches, Match{
			Score:        p.Score,
			ActionID:     id,
			ActionPoint:  text,
			CircularName: extractCircularName(p.Payload),
		})
	}
	return matches
}
