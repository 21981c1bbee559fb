package collaboration

import (
	"context"

	"notesync/internal/crdt"
	"notesync/internal/models"
)

// Document renders the content of room name. A live room is read in
// place; otherwise the stored snapshot is decoded into a throwaway
// replica without opening the room. Returns persistence.ErrNotFound if
// the room has never been saved.
func (r *Registry) Document(ctx context.Context, name string) (models.DocumentView, error) {
	if room := r.Lookup(name); room != nil {
		state := room.Doc.EncodeStateAsUpdate()
		return models.DocumentView{
			ID:          name,
			Content:     room.Doc.Text(),
			Live:        true,
			StateBytes:  len(state),
			LastUpdated: room.LastUpdated(),
		}, nil
	}

	state, err := r.persister.Load(ctx, name)
	if err != nil {
		return models.DocumentView{}, err
	}
	doc := crdt.New()
	if err := doc.Apply(state, nil); err != nil {
		return models.DocumentView{}, err
	}
	return models.DocumentView{
		ID:         name,
		Content:    doc.Text(),
		StateBytes: len(state),
	}, nil
}
