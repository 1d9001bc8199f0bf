package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/tinytelemetry/snapsync/internal/model"
)

// wireFile is one file entry as it appears on the wire and in stored documents.
type wireFile struct {
	Filename  string `json:"filename,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
	RawURL    string `json:"raw_url,omitempty"`
}

type wireRequest struct {
	Description string              `json:"description"`
	Public      bool                `json:"public"`
	Files       map[string]wireFile `json:"files"`
}

type wireSnapshot struct {
	ID          string              `json:"id"`
	Description string              `json:"description,omitempty"`
	HTMLURL     string              `json:"html_url,omitempty"`
	Files       map[string]wireFile `json:"files"`
}

func newWireRequest(req Request) wireRequest {
	return wireRequest{
		Description: req.Description,
		Public:      false,
		Files:       map[string]wireFile{req.Filename: {Content: req.Content}},
	}
}

func (w *wireSnapshot) toModel() *model.Snapshot {
	out := &model.Snapshot{
		ID:          w.ID,
		Description: w.Description,
		Files:       make(map[string]model.SnapshotFile, len(w.Files)),
	}
	for name, f := range w.Files {
		fn := f.Filename
		if fn == "" {
			fn = name
		}
		out.Files[name] = model.SnapshotFile{Filename: fn, Content: f.Content}
	}
	return out
}

// encodeDocument renders the stored form used by object-store backends, where
// the whole snapshot lives in one object body.
func encodeDocument(id string, req Request) ([]byte, error) {
	doc := wireSnapshot{
		ID:          id,
		Description: req.Description,
		Files:       map[string]wireFile{req.Filename: {Filename: req.Filename, Content: req.Content}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode document: %w", err)
	}
	return data, nil
}

func decodeDocument(id string, data []byte) (*model.Snapshot, error) {
	var doc wireSnapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("snapshot: decode document %s: %w: %w", id, model.ErrRemoteAPI, err)
	}
	// the object key is authoritative
	doc.ID = id
	return doc.toModel(), nil
}
