// Package stream serializes annotation documents without materializing
// their element lists: elements are written straight from a store cursor
// into the response, either as incremental JSON or as the compact binary
// centroid payload.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/slidelab/slideannot/internal/query"
	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

// elementBatch is how many elements are buffered before a write. The exact
// value only affects write granularity, not the output bytes.
const elementBatch = 100

// elementsMarker is where the serialized envelope is split so the element
// stream can be spliced in.
const elementsMarker = `"elements":[]`

// Source yields element rows plus the running totals the side channel
// reports. A store cursor satisfies it.
type Source interface {
	Next() (*storage.ElementRecord, error)
	Returned() int64
	Details() int64
}

// envelope serializes the annotation with an empty elements placeholder and
// returns the bytes before and after the placeholder's brackets. The suffix
// excludes the document's final closing brace.
func envelope(a *types.Annotation) (prefix, suffix string, err error) {
	doc := *a
	doc.Annotation.Elements = []*types.Element{}
	base, err := json.Marshal(&doc)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal annotation: %w", err)
	}
	// Attribute payloads may themselves contain an "elements" key; the real
	// placeholder is the last occurrence.
	idx := strings.LastIndex(string(base), elementsMarker)
	if idx < 0 {
		return "", "", fmt.Errorf("annotation envelope missing elements placeholder")
	}
	prefix = string(base[:idx]) + `"elements":[`
	rest := string(base[idx+len(elementsMarker):])
	if !strings.HasSuffix(rest, "}") {
		return "", "", fmt.Errorf("annotation envelope not an object")
	}
	suffix = "]" + rest[:len(rest)-1]
	return prefix, suffix, nil
}

// WriteJSON streams the annotation as a JSON document: header fields first,
// the elements array written in batches, then the query side channel.
func WriteJSON(w io.Writer, a *types.Annotation, src Source, info *query.Info) error {
	prefix, suffix, err := envelope(a)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, prefix); err != nil {
		return err
	}

	var batch []json.RawMessage
	first := true
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		encoded, err := json.Marshal(batch)
		if err != nil {
			return fmt.Errorf("failed to encode element batch: %w", err)
		}
		// Strip the outer brackets; the array is already open.
		body := encoded[1 : len(encoded)-1]
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		first = false
		if _, err := w.Write(body); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		rec, err := src.Next()
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}
		batch = append(batch, rec.Element)
		if len(batch) >= elementBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	info.Returned = src.Returned()
	info.Details = src.Details()
	return writeTrailer(w, suffix, info)
}

func writeTrailer(w io.Writer, suffix string, info *query.Info) error {
	if _, err := io.WriteString(w, suffix); err != nil {
		return err
	}
	encoded, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode query info: %w", err)
	}
	if _, err := io.WriteString(w, `,"_elementQuery":`); err != nil {
		return err
	}
	if _, err := w.Write(encoded); err != nil {
		return err
	}
	_, err = io.WriteString(w, "}")
	return err
}
