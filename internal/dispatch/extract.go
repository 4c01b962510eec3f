package dispatch

import "strings"

// Field is one extraction rule: a dotted path into the agent's JSON
// response ("reply", "data.reply").
type Field string

// DefaultReplyFields lists the reply aliases accepted from agent
// backends, in priority order. The first non-empty string wins.
var DefaultReplyFields = []Field{
	"reply",
	"response",
	"message",
	"text",
	"output",
	"content",
	"result.output",
	"data.reply",
}

// DefaultTokenFields lists the continuation-token aliases, in priority order.
var DefaultTokenFields = []Field{
	"conversationId",
	"conversation_id",
	"sessionId",
	"session_id",
	"threadId",
	"thread_id",
}

// firstString evaluates fields in order against a decoded JSON object and
// returns the first one that resolves to a non-empty string.
func firstString(doc map[string]interface{}, fields []Field) (string, Field, bool) {
	for _, f := range fields {
		if s, ok := lookup(doc, string(f)); ok && s != "" {
			return s, f, true
		}
	}
	return "", "", false
}

func lookup(doc map[string]interface{}, path string) (string, bool) {
	var cur interface{} = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		if cur, ok = obj[part]; !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}
