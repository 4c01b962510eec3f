package sessions

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/agentoven/agentoven/relay/pkg/models"
)

// EncodeHistory serializes turns as newline-delimited JSON, one record
// per turn, oldest first.
func EncodeHistory(history []models.Turn) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range history {
		// Encode appends the newline that frames each record.
		if err := enc.Encode(&history[i]); err != nil {
			return nil, fmt.Errorf("encode turn %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeHistory parses newline-delimited turn records sequentially.
// Blank lines are skipped; any unparsable record fails the whole decode.
func DecodeHistory(data []byte) ([]models.Turn, error) {
	history := make([]models.Turn, 0)
	r := bufio.NewReader(bytes.NewReader(data))
	for line := 1; ; line++ {
		raw, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			var turn models.Turn
			if uerr := json.Unmarshal(raw, &turn); uerr != nil {
				return nil, fmt.Errorf("record %d: %w", line, uerr)
			}
			if turn.Role != models.RoleUser && turn.Role != models.RoleAssistant {
				return nil, fmt.Errorf("record %d: unknown role %q", line, turn.Role)
			}
			history = append(history, turn)
		}
		if errors.Is(err, io.EOF) {
			return history, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// RecoverContinuationToken returns the token carried by the most recent
// assistant turn that has one, or "".
func RecoverContinuationToken(history []models.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.Role == models.RoleAssistant && t.ContinuationToken != "" {
			return t.ContinuationToken
		}
	}
	return ""
}
