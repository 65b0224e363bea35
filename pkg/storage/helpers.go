package storage

import "fmt"

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

// ConversationID derives the deterministic conversation id for a pair of
// device ids. Sorted so both sides derive the same id. The broadcast channel
// uses the fixed id "broadcast".
func ConversationID(a, b string) string {
	if a < b {
		return fmt.Sprintf("%s-%s", a, b)
	}
	return fmt.Sprintf("%s-%s", b, a)
}

// BroadcastConversationID is the conversation id for broadcast traffic
const BroadcastConversationID = "broadcast"
