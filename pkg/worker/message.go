package worker

// Message is one unit of work queued for a worker. Reply, when non-nil,
// receives exactly one Result; fire-and-forget messages leave it nil.
type Message struct {
	Op      string
	Payload map[string]any
	Reply   chan Result
}

// Result answers a request-response message.
type Result struct {
	Value map[string]any
	Err   error
}

func (m *Message) reply(r Result) {
	if m.Reply == nil {
		return
	}
	select {
	case m.Reply <- r:
	default:
	}
}
