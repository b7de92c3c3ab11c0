package brain

// ExtractReply picks the assistant reply out of a backend message list: the
// newest message that carries token usage and a finish reason field. Scanning
// starts at the end and stops at the first match. ok is false when nothing
// matches, which callers must surface as "no reply" rather than an error.
//
// TODO: match on an explicit assistant role tag once the thread backend
// returns one for every generated message.
func ExtractReply(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Usage != nil && m.HasFinishReason {
			return m, true
		}
	}
	return Message{}, false
}
