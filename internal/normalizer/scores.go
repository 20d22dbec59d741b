package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Score is one condition/probability pair reported by a prediction model.
type Score struct {
	Condition   string
	Probability float64
}

// RawScoreMap holds per-condition probabilities in the order the upstream model
// reported them. It decodes from and encodes to a JSON object.
type RawScoreMap []Score

// Max returns the highest probability and false when the map is empty.
func (m RawScoreMap) Max() (float64, bool) {
	if len(m) == 0 {
		return 0, false
	}
	highest := m[0].Probability
	for _, s := range m[1:] {
		if s.Probability > highest {
			highest = s.Probability
		}
	}
	return highest, true
}

// UnmarshalJSON decodes a JSON object keeping key order. A repeated key keeps its
// first position and takes the last value. Non-numeric values fail with a
// *MalformedScoreError.
func (m *RawScoreMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("scores: expected a JSON object")
	}

	out := RawScoreMap{}
	positions := make(map[string]int)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("scores: unexpected key token %v", keyTok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		probability, err := decodeProbability(key, raw)
		if err != nil {
			return err
		}

		if i, seen := positions[key]; seen {
			out[i].Probability = probability
			continue
		}
		positions[key] = len(out)
		out = append(out, Score{Condition: key, Probability: probability})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*m = out
	return nil
}

// MarshalJSON encodes the map as a JSON object in stored order.
func (m RawScoreMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(s.Condition)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(s.Probability)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func decodeProbability(condition string, raw json.RawMessage) (float64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] == '"' || bytes.Equal(trimmed, []byte("null")) {
		return 0, &MalformedScoreError{Condition: condition, Reason: "value is not a number"}
	}
	var value float64
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return 0, &MalformedScoreError{Condition: condition, Reason: "value is not a number"}
	}
	return value, nil
}
