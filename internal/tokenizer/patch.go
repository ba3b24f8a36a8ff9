package tokenizer

// Patch returns a copy of a serialized tokenizer document adjusted for
// serving. Built-in padding is disabled (padding is the queue's job, not the
// tokenizer's) and any metaspace pre-tokenizer has its prepend behavior
// forced to "first": the whitespace marker is prepended on the first token of
// every input rather than only at a true string start. When the
// pre-tokenizer is a composite Sequence, the fix is applied to every nested
// metaspace member and other members are left untouched.
//
// Some exported tokenizer configurations disagree about leading-space
// handling between training and serving; after the patch, the leading token
// boundary of a text is identical whether it starts a sequence or sits
// mid-batch. Patch is idempotent and never mutates its argument.
func Patch(doc map[string]any) map[string]any {
	out, _ := cloneTree(doc).(map[string]any)
	if out == nil {
		out = make(map[string]any)
	}
	out["padding"] = nil
	pre, ok := out["pre_tokenizer"].(map[string]any)
	if !ok {
		return out
	}
	switch pre["type"] {
	case "Metaspace":
		forcePrependFirst(pre)
	case "Sequence":
		members, _ := pre["pretokenizers"].([]any)
		for _, member := range members {
			if m, ok := member.(map[string]any); ok && m["type"] == "Metaspace" {
				forcePrependFirst(m)
			}
		}
	}
	return out
}

func forcePrependFirst(m map[string]any) {
	m["prepend_scheme"] = "first"
	// Older exports carry the boolean form of the same knob.
	delete(m, "add_prefix_space")
}

func cloneTree(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = cloneTree(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = cloneTree(child)
		}
		return out
	default:
		return v
	}
}
