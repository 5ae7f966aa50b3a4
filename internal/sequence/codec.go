package sequence

import (
	"fmt"
	"strconv"
	"strings"

	"ctr-feature-engine/internal/types"
)

// ParseBehaviors decodes the "item:ts,item:ts" column format used by the
// behavior log tables. Seq follows token position.
func ParseBehaviors(actorID, encoded string) ([]types.BehaviorEvent, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	tokens := strings.Split(encoded, ",")
	events := make([]types.BehaviorEvent, 0, len(tokens))
	for i, tok := range tokens {
		idStr, tsStr, ok := strings.Cut(strings.TrimSpace(tok), ":")
		if !ok {
			return nil, fmt.Errorf("behavior token %d %q: missing ':'", i, tok)
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("behavior token %d %q: item id: %w", i, tok, err)
		}
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("behavior token %d %q: timestamp: %w", i, tok, err)
		}
		events = append(events, types.BehaviorEvent{ActorID: actorID, ItemID: id, Timestamp: ts, Seq: i})
	}
	return events, nil
}

// FormatBehaviors is the inverse of ParseBehaviors.
func FormatBehaviors(events []types.BehaviorEvent) string {
	var b strings.Builder
	for i, ev := range events {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(ev.ItemID, 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(ev.Timestamp, 10))
	}
	return b.String()
}
