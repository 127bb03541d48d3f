package redact

import (
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RedactRawJSON redacts a raw JSON document in place using gjson/sjson,
// preserving the original key order and formatting of untouched fields.
// This is used for opaque passthrough payloads (e.g. vendor-specific
// request bodies) where round-tripping through encoding/json would
// reorder map keys and strip unknown fields.
func (r *Redactor) RedactRawJSON(raw []byte, traceID string) ([]byte, []Audit, error) {
	var audits []Audit
	out := raw

	result := gjson.ParseBytes(raw)
	var walkErr error
	r.walkGJSON("$", result, func(path string, value gjson.Result) {
		if walkErr != nil {
			return
		}
		key := lastSegment(path)
		if value.Type == gjson.String && r.matchesAny(key, r.cfg.FieldNames) {
			newOut, err := sjson.SetBytes(out, gjsonPathToSet(path), r.cfg.Placeholder)
			if err != nil {
				walkErr = err
				return
			}
			out = newOut
			a := r.audit(path, value.String(), TypeFieldName)
			a.TraceID = traceID
			audits = append(audits, a)
			return
		}
		if value.Type == gjson.String && r.cfg.ScanPatterns {
			if masked, hit := r.scanString(value.String()); hit {
				newOut, err := sjson.SetBytes(out, gjsonPathToSet(path), masked)
				if err != nil {
					walkErr = err
					return
				}
				out = newOut
				a := r.audit(path, value.String(), TypePattern)
				a.TraceID = traceID
				audits = append(audits, a)
			}
		}
	})
	if walkErr != nil {
		return nil, nil, walkErr
	}
	return out, audits, nil
}

func (r *Redactor) walkGJSON(path string, v gjson.Result, visit func(path string, value gjson.Result)) {
	switch {
	case v.IsObject():
		v.ForEach(func(key, value gjson.Result) bool {
			childPath := path + "." + key.String()
			if value.Type == gjson.String {
				visit(childPath, value)
			}
			r.walkGJSON(childPath, value, visit)
			return true
		})
	case v.IsArray():
		i := 0
		v.ForEach(func(_, value gjson.Result) bool {
			childPath := path + "." + strconv.Itoa(i)
			if value.Type == gjson.String {
				visit(childPath, value)
			}
			r.walkGJSON(childPath, value, visit)
			i++
			return true
		})
	}
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i+1:]
		}
	}
	return path
}

// gjsonPathToSet strips the leading "$." so the remaining dotted path is
// directly usable as an sjson set-path.
func gjsonPathToSet(path string) string {
	if len(path) >= 2 && path[:2] == "$." {
		return path[2:]
	}
	return path
}
