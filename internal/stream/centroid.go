package stream

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/slidelab/slideannot/internal/query"
	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

// CentroidRecordSize is the wire size of one centroid record: the 12-byte
// element id, two float32 coordinates, a float32 size and an int32 property
// index.
const CentroidRecordSize = 28

// centroidStyle is the slice of an element payload that feeds the
// deduplicated property tuples.
type centroidStyle struct {
	Type      string   `json:"type"`
	FillColor string   `json:"fillColor,omitempty"`
	LineColor string   `json:"lineColor,omitempty"`
	LineWidth *float64 `json:"lineWidth,omitempty"`
	Closed    *bool    `json:"closed,omitempty"`
}

func (c centroidStyle) key() string {
	k := c.Type + "\x00" + c.FillColor + "\x00" + c.LineColor + "\x00"
	if c.LineWidth != nil {
		k += strconv.FormatFloat(*c.LineWidth, 'g', -1, 64)
	}
	k += "\x00"
	if c.Closed != nil {
		k += strconv.FormatBool(*c.Closed)
	}
	return k
}

// WriteCentroids streams the annotation in centroid form: the usual JSON
// envelope, but the elements slot holds a null-framed binary payload of
// fixed-width records. The deduplicated style tuples land in the side
// channel's props list.
func WriteCentroids(w io.Writer, a *types.Annotation, src Source, info *query.Info) error {
	prefix, suffix, err := envelope(a)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, prefix); err != nil {
		return err
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}

	propIndex := make(map[string]int32)
	var props []query.Prop
	record := make([]byte, CentroidRecordSize)

	for {
		rec, err := src.Next()
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}

		var style centroidStyle
		if err := json.Unmarshal(rec.Element, &style); err != nil {
			return fmt.Errorf("failed to decode element style: %w", err)
		}
		key := style.key()
		idx, ok := propIndex[key]
		if !ok {
			idx = int32(len(props))
			propIndex[key] = idx
			props = append(props, query.Prop{
				Type:      style.Type,
				FillColor: style.FillColor,
				LineColor: style.LineColor,
				LineWidth: style.LineWidth,
				Closed:    style.Closed,
			})
		}

		if err := encodeCentroid(record, rec, style.Type, idx); err != nil {
			return err
		}
		if _, err := w.Write(record); err != nil {
			return err
		}
	}

	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}

	info.Returned = src.Returned()
	info.Details = src.Details()
	info.Props = props
	info.PropsKeys = query.PropKeys
	return writeTrailer(w, suffix, info)
}

// encodeCentroid packs one element into buf: the 24-hex id as big-endian
// uint64 plus uint32, then little-endian cx, cy, size and property index.
// Point elements report size 0.
func encodeCentroid(buf []byte, rec *storage.ElementRecord, typ string, propIdx int32) error {
	if len(rec.ID) < 24 {
		return fmt.Errorf("invalid element id %q", rec.ID)
	}
	hi, err := strconv.ParseUint(rec.ID[:16], 16, 64)
	if err != nil {
		return fmt.Errorf("invalid element id %q: %w", rec.ID, err)
	}
	lo, err := strconv.ParseUint(rec.ID[16:24], 16, 32)
	if err != nil {
		return fmt.Errorf("invalid element id %q: %w", rec.ID, err)
	}
	binary.BigEndian.PutUint64(buf[0:8], hi)
	binary.BigEndian.PutUint32(buf[8:12], uint32(lo))

	cx := (rec.BBox.LowX + rec.BBox.HighX) / 2
	cy := (rec.BBox.LowY + rec.BBox.HighY) / 2
	size := rec.BBox.Size
	if typ == string(types.ElementPoint) {
		size = 0
	}
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(float32(cx)))
	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(float32(cy)))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(float32(size)))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(propIdx))
	return nil
}
