package engine

import (
	"context"
	"sort"

	"github.com/infobloxopen/sheets-etl/source"
	"github.com/infobloxopen/sheets-etl/store"
)

// Watermark is the (modified, id) position discovery has reached.
type Watermark struct {
	Modified string
	ID       string
}

// Epoch precedes every remote document.
var Epoch = Watermark{Modified: "2001-01-01T00:00:00Z"}

// Less orders watermarks by modified stamp, then id.
func (w Watermark) Less(o Watermark) bool {
	if w.Modified != o.Modified {
		return w.Modified < o.Modified
	}
	return w.ID < o.ID
}

func (w Watermark) String() string {
	if w.ID == "" {
		return w.Modified
	}
	return w.Modified + "/" + w.ID
}

// StampReader is the part of the store the cursor reads.
type StampReader interface {
	GreatestSeenModified(ctx context.Context) (store.Stamp, bool, error)
}

// NextWatermark recomputes the cursor from durable state: the greatest
// (modified, id) pair of any known document, or Epoch.
func NextWatermark(ctx context.Context, st StampReader) (Watermark, error) {
	stamp, ok, err := st.GreatestSeenModified(ctx)
	if err != nil {
		return Watermark{}, err
	}
	if !ok {
		return Epoch, nil
	}
	return Watermark{Modified: stamp.Modified, ID: stamp.DocumentID}, nil
}

// After keeps the documents strictly past w, sorted by (Modified, ID). The
// listing may repeat the boundary document; it is dropped here.
func After(docs []source.Document, w Watermark) []source.Document {
	var out []source.Document
	for _, d := range docs {
		if w.Less(Watermark{Modified: d.Modified, ID: d.ID}) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Watermark{out[i].Modified, out[i].ID}.Less(Watermark{out[j].Modified, out[j].ID})
	})
	return out
}
