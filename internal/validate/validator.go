// Package validate checks annotation payloads against the annotation schema.
//
// Full JSON-schema validation is expensive for annotations carrying millions
// of near-identical elements, so the validator keeps the last element that
// passed full validation and skips elements whose structure matches it.
package validate

import (
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrInvalid reports a schema-breaking payload.
var ErrInvalid = errors.New("invalid annotation")

// ValidateArrayLength caps how many entries of a points/values array are run
// through full schema validation. Longer arrays are probed for numeric
// coercibility and then truncated for the schema pass.
const ValidateArrayLength = 1000

// Validator validates annotation documents. It is not safe for concurrent
// use; create one per request or guard it externally.
type Validator struct {
	header   *jsonschema.Resolved
	element  *jsonschema.Resolved
	baseline map[string]any
}

// New returns a Validator with freshly resolved schemas.
func New() *Validator {
	return &Validator{
		header:  resolve(headerSchema()),
		element: resolve(elementSchema()),
	}
}

// Annotation validates the "annotation" container of a submitted document:
// header fields first, then each element, using the structural fast path
// where possible. Element ids must be unique across the document.
func (v *Validator) Annotation(body map[string]any) error {
	header := make(map[string]any, len(body))
	for k, val := range body {
		if k != "elements" {
			header[k] = val
		}
	}
	if err := v.header.Validate(header); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	elements, _ := body["elements"].([]any)
	seen := make(map[string]bool, len(elements))
	for i, raw := range elements {
		el, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: elements[%d] is not an object", ErrInvalid, i)
		}
		if err := v.Element(el); err != nil {
			return fmt.Errorf("elements[%d]: %w", i, err)
		}
		if id, ok := el["id"].(string); ok && id != "" {
			if seen[id] {
				return fmt.Errorf("%w: duplicate element id %s", ErrInvalid, id)
			}
			seen[id] = true
		}
	}
	return nil
}

// Element validates a single element map, skipping the full schema pass when
// the structure matches the previously validated element.
func (v *Validator) Element(el map[string]any) error {
	if v.baseline != nil && similarStructure(v.baseline, el, "") {
		return nil
	}
	trimmed, err := truncateLongArrays(el)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := v.element.Validate(trimmed); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	v.baseline = el
	return nil
}

// truncateLongArrays returns el, or a shallow copy of el whose points/values
// arrays are cut to ValidateArrayLength entries. The full arrays are probed
// for numeric coercibility first so the truncation cannot hide bad data.
func truncateLongArrays(el map[string]any) (map[string]any, error) {
	var long []string
	for _, key := range []string{"points", "values"} {
		if arr, ok := el[key].([]any); ok && len(arr) > ValidateArrayLength {
			long = append(long, key)
		}
	}
	if len(long) == 0 {
		return el, nil
	}
	out := make(map[string]any, len(el))
	for k, val := range el {
		out[k] = val
	}
	for _, key := range long {
		arr := el[key].([]any)
		if err := probeNumeric(key, arr); err != nil {
			return nil, err
		}
		out[key] = arr[:ValidateArrayLength]
	}
	return out, nil
}

// probeNumeric verifies every entry of a long array coerces to numbers:
// either a plain number or a tuple of numbers.
func probeNumeric(key string, arr []any) error {
	for i, entry := range arr {
		switch e := entry.(type) {
		case float64:
		case []any:
			for j, c := range e {
				if _, ok := c.(float64); !ok {
					return fmt.Errorf("%s[%d][%d] is not a number", key, i, j)
				}
			}
		default:
			return fmt.Errorf("%s[%d] is not numeric", key, i)
		}
	}
	return nil
}

// similarStructure reports whether b has the same structural shape as the
// previously validated a. Scalars must match in type; non-numeric scalars
// must match in value. Objects must have identical key sets and similar
// values, except that label text may differ and ids only need to be
// well-formed. Lists must match in length, except points/values lists of
// coordinate tuples which may differ in length.
func similarStructure(a, b any, parentKey string) bool {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	al, aIsList := a.([]any)
	bl, bIsList := b.([]any)

	switch {
	case aIsMap || bIsMap:
		if !aIsMap || !bIsMap || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok {
				return false
			}
			if k == "id" {
				s, ok := bv.(string)
				if !ok || !isHexID(s) {
					return false
				}
				continue
			}
			if parentKey == "label" && k == "value" {
				if _, ok := bv.(string); !ok {
					return false
				}
				continue
			}
			if !similarStructure(av, bv, k) {
				return false
			}
		}
		return true
	case aIsList || bIsList:
		if !aIsList || !bIsList {
			return false
		}
		if len(al) == len(bl) {
			for i := range al {
				if !similarStructure(al[i], bl[i], parentKey) {
					return false
				}
			}
			return true
		}
		if (parentKey != "points" && parentKey != "values") || len(bl) < 2 {
			return false
		}
		for _, entry := range bl {
			tuple, ok := entry.([]any)
			if !ok || len(tuple) != 3 {
				return false
			}
			for _, c := range tuple {
				if _, ok := c.(float64); !ok {
					return false
				}
			}
		}
		return true
	default:
		// JSON numbers all decode to float64, so any two numbers are
		// structurally interchangeable.
		if _, aNum := a.(float64); aNum {
			_, bNum := b.(float64)
			return bNum
		}
		return a == b
	}
}

func isHexID(s string) bool {
	if len(s) != 24 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
