// Package vcr implements cassette-based record/replay of upstream LLM
// traffic, plus the five-mode VCR state machine that decides whether a
// given request is served live or from a cassette.
package vcr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// MatchMode controls whether sampling parameters participate in the
// request fingerprint.
type MatchMode string

const (
	// MatchExact folds temperature/max_tokens/top_p/frequency_penalty/
	// presence_penalty/stop into the fingerprint.
	MatchExact MatchMode = "exact"
	// MatchFuzzy elides sampling parameters so requests that only
	// differ in sampling settings still hit the same cassette.
	MatchFuzzy MatchMode = "fuzzy"
)

// FingerprintInput is the canonical shape hashed to produce a cassette
// key. Only the fields spec.md names participate: provider, model,
// messages (or prompt), tools, and — in exact mode — sampling params.
type FingerprintInput struct {
	Provider         string         `json:"provider"`
	Model            string         `json:"model"`
	Messages         any            `json:"messages,omitempty"`
	Prompt           string         `json:"prompt,omitempty"`
	Tools            any            `json:"tools,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	Stop             []string       `json:"stop,omitempty"`
}

// Fingerprint returns the SHA-256 hex digest of the canonical JSON
// encoding of in, honoring mode's sampling-parameter elision rule.
// Canonicalization is achieved by round-tripping through a
// map[string]any and re-marshaling with sorted keys.
func Fingerprint(in FingerprintInput, mode MatchMode) (string, error) {
	if mode == MatchFuzzy {
		in.Temperature = nil
		in.MaxTokens = nil
		in.TopP = nil
		in.FrequencyPenalty = nil
		in.PresencePenalty = nil
		in.Stop = nil
	}

	canon, err := canonicalJSON(in)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals v, then reparses and re-marshals it with
// lexicographically sorted object keys at every level so that two
// logically-equal values always produce byte-identical output
// regardless of struct field order.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte{'['}
		for i, e := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}
