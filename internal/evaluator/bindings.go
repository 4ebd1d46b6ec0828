package evaluator

import "encoding/json"

// Ref is an opaque container or evaluation reference.
type Ref string

// Locator names a completed evaluation inside a container. Evaluations use
// locators to pull a parent evaluation's bindings into their starting state.
type Locator struct {
	Container  Ref `json:"container"`
	Evaluation Ref `json:"evaluation"`
}

// Bindings is the environment an evaluation runs against: names bound to
// values. Values must be JSON-representable; that is what makes deep copies
// and wire transfer possible.
type Bindings map[string]any

// DeepCopy returns a copy that shares no structure with the original. Later
// mutation on either side is invisible to the other.
func (b Bindings) DeepCopy() Bindings {
	out := make(Bindings, len(b))
	if len(b) == 0 {
		return out
	}
	raw, err := json.Marshal(b)
	if err == nil && json.Unmarshal(raw, &out) == nil {
		return out
	}
	// Non-JSON value slipped in; fall back to a per-key copy.
	for k, v := range b {
		out[k] = v
	}
	return out
}

// merge folds src into b, overwriting existing names.
func (b Bindings) merge(src Bindings) {
	for k, v := range src {
		b[k] = v
	}
}
