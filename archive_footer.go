// Footer entries appended to a sealed archive file (spec.md §4.1):
// ".gph" (inter-segment reference graph), ".brf" (external blob
// references), ".idx" (offset index). All three are JSON, encoded with
// goccy/go-json the way the rest of this repo's metadata is — the tar
// layer itself only needs byte-exact entries, not a schema, so plain
// JSON over a small struct is the natural fit (no binary codec of its
// own is worth inventing for three file-scoped footer blobs).
package silo

import (
	"archive/tar"
	"fmt"

	gojson "github.com/goccy/go-json"
)

const (
	footerGraph = ".gph"
	footerBlobs = ".brf"
	footerIndex = ".idx"
)

// archiveIndexEntry locates one segment's payload within its archive
// file.
type archiveIndexEntry struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

type indexFooterRow struct {
	Id   SegmentId `json:"id"`
	Gen  int       `json:"gen"`
	Size archiveIndexEntry
}

func writeFooterEntry(tw *tar.Writer, name string, body []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0644,
		Size: int64(len(body)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%w: footer header %s: %v", ErrIOFailure, name, err)
	}
	if _, err := tw.Write(body); err != nil {
		return fmt.Errorf("%w: footer body %s: %v", ErrIOFailure, name, err)
	}
	return nil
}

func marshalGraphFooter(graph map[SegmentId][]SegmentId) ([]byte, error) {
	return gojson.Marshal(graph)
}

func unmarshalGraphFooter(b []byte) (map[SegmentId][]SegmentId, error) {
	var graph map[SegmentId][]SegmentId
	if err := gojson.Unmarshal(b, &graph); err != nil {
		return nil, fmt.Errorf("%w: graph footer: %v", ErrCorrupt, err)
	}
	return graph, nil
}

func marshalBlobRefsFooter(refs map[string]struct{}) ([]byte, error) {
	list := make([]string, 0, len(refs))
	for r := range refs {
		list = append(list, r)
	}
	return gojson.Marshal(list)
}

func unmarshalBlobRefsFooter(b []byte) (map[string]struct{}, error) {
	var list []string
	if err := gojson.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("%w: blob-refs footer: %v", ErrCorrupt, err)
	}
	out := make(map[string]struct{}, len(list))
	for _, r := range list {
		out[r] = struct{}{}
	}
	return out, nil
}

func marshalIndexFooter(index map[SegmentId]archiveIndexEntry, gens map[SegmentId]int) ([]byte, error) {
	rows := make([]indexFooterRow, 0, len(index))
	for id, entry := range index {
		rows = append(rows, indexFooterRow{Id: id, Gen: gens[id], Size: entry})
	}
	return gojson.Marshal(rows)
}

func unmarshalIndexFooter(b []byte) (map[SegmentId]archiveIndexEntry, map[SegmentId]int, error) {
	var rows []indexFooterRow
	if err := gojson.Unmarshal(b, &rows); err != nil {
		return nil, nil, fmt.Errorf("%w: index footer: %v", ErrCorrupt, err)
	}
	index := make(map[SegmentId]archiveIndexEntry, len(rows))
	gens := make(map[SegmentId]int, len(rows))
	for _, r := range rows {
		index[r.Id] = r.Size
		gens[r.Id] = r.Gen
	}
	return index, gens, nil
}
