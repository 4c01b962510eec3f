package guardrails

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encMode is CBOR Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, shortest integer and float forms. Equal values always produce
// identical bytes regardless of map iteration or field order.
var encMode cbor.EncMode

var actionEscaper = strings.NewReplacer("%", "%25", ":", "%3A", "#", "%23")

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("guardrails: CBOR encoder initialization failed: " + err.Error())
	}
}

// CanonicalKey reduces an action and its argument to the decision key.
//
//	nil args        → "action"
//	string args     → "action:args"
//	structured args → "action#" + blake3(cbor(normalized args))
//
// Any '%', ':' or '#' in the action name is percent-escaped, so the first
// ':' or '#' in a key always ends the action and distinct (action, args)
// pairs never share a key.
//
// Structured arguments are first normalized through JSON so that a Go
// struct, a map decoded from an HTTP body, and a map literal describing
// the same value all canonicalize identically.
func CanonicalKey(action string, args interface{}) (string, error) {
	action = actionEscaper.Replace(action)
	switch v := args.(type) {
	case nil:
		return action, nil
	case string:
		return action + ":" + v, nil
	}

	norm, err := normalize(args)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s arguments: %w", action, err)
	}
	if s, ok := norm.(string); ok {
		return action + ":" + s, nil
	}

	data, err := encMode.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s arguments: %w", action, err)
	}
	sum := blake3.Sum256(data)
	return action + "#" + hex.EncodeToString(sum[:]), nil
}

// normalize round-trips v through JSON into plain maps, slices, strings,
// float64, bool and nil.
func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// argsMap returns args as a JSON-shaped object, or nil when args is not one.
func argsMap(args interface{}) map[string]interface{} {
	if m, ok := args.(map[string]interface{}); ok {
		return m
	}
	if _, ok := args.(string); ok || args == nil {
		return nil
	}
	norm, err := normalize(args)
	if err != nil {
		return nil
	}
	m, _ := norm.(map[string]interface{})
	return m
}
