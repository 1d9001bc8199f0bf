package model

import "context"

// LinkReader provides read access to the bookmark collection.
type LinkReader interface {
	ListLinks(ctx context.Context) ([]Link, error)
	CountLinks(ctx context.Context) (int64, error)
}

// LinkWriter provides write access to the bookmark collection.
type LinkWriter interface {
	AddLink(ctx context.Context, link Link) (Link, error)
	UpsertLinks(ctx context.Context, links []Link) (int, error)
	DeleteAllLinks(ctx context.Context) (int64, error)
}

// LinkStore is the unified contract used by pipelines and read surfaces.
type LinkStore interface {
	LinkReader
	LinkWriter
}

// PreferenceKV is the durable key/value backend behind the settings accessor.
type PreferenceKV interface {
	AllPreferences(ctx context.Context) (map[string]string, error)
	SetPreferences(ctx context.Context, values map[string]string) error
}
