package pull

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnexpectedShape the response matches none of the known envelopes.
var ErrUnexpectedShape = errors.New("unexpected response shape")

// listEnvelopes keys that may wrap a collection, checked in order.
var listEnvelopes = []string{"data", "items", "results"}

// NormalizeList returns the items of a collection response. Accepted shapes:
// a bare array, {"data": [...]}, {"items": [...]}, {"results": [...]} and one
// level of nesting such as {"data": {"items": [...]}}. null yields no items.
func NormalizeList(body []byte) ([]json.RawMessage, error) {
	return normalizeList(body, 2)
}

func normalizeList(body []byte, depth int) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}

	switch body[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
		}
		return items, nil
	case '{':
		if depth == 0 {
			break
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
		}
		for _, k := range listEnvelopes {
			if inner, ok := obj[k]; ok {
				return normalizeList(inner, depth-1)
			}
		}
	}
	return nil, fmt.Errorf("%w: expected a list", ErrUnexpectedShape)
}

// NormalizeObject returns a single entity, unwrapping {"data": {...}} when the
// outer object carries no id of its own.
func NormalizeObject(body []byte) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, fmt.Errorf("%w: expected an object", ErrUnexpectedShape)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
	}
	if _, hasID := obj["id"]; !hasID {
		if inner, ok := obj["data"]; ok {
			inner = bytes.TrimSpace(inner)
			if len(inner) > 0 && inner[0] == '{' {
				return inner, nil
			}
		}
	}
	return body, nil
}
