package search

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/pders01/storyline/internal/debuglog"
	"github.com/pders01/storyline/internal/storage"
)

type bleveEngine struct {
	store *storage.Store
	idx   bleve.Index
}

// NewBleveEngine creates or opens a Bleve index at indexPath and indexes
// current data. An empty path or storage.MemoryPath keeps the index in
// memory.
func NewBleveEngine(store *storage.Store, indexPath string) (Searcher, error) {
	var idx bleve.Index
	var err error

	if indexPath == "" || indexPath == storage.MemoryPath {
		idx, err = bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("creating memory index: %w", err)
		}
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(indexPath), 0o755); mkErr != nil {
			debuglog.Warnf("search: creating index directory: %v", mkErr)
		}
		idx, err = bleve.Open(indexPath)
		if err != nil {
			idx, err = bleve.New(indexPath, buildIndexMapping())
			if err != nil {
				return nil, fmt.Errorf("creating index: %w", err)
			}
		}
	}

	be := &bleveEngine{store: store, idx: idx}
	if err := be.reindexAll(); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return be, nil
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	dm := bleve.NewDocumentMapping()

	name := bleve.NewTextFieldMapping()
	name.Analyzer = standard.Name
	name.Store = true
	name.IncludeTermVectors = true

	desc := bleve.NewTextFieldMapping()
	desc.Analyzer = standard.Name
	desc.Store = true

	exact := func() *mapping.FieldMapping {
		f := bleve.NewTextFieldMapping()
		f.Analyzer = keyword.Name
		f.Store = true
		f.IncludeInAll = false
		return f
	}

	created := bleve.NewDateTimeFieldMapping()
	created.Store = true

	dm.AddFieldMappingsAt("name", name)
	dm.AddFieldMappingsAt("description", desc)
	dm.AddFieldMappingsAt("kind", exact())
	dm.AddFieldMappingsAt("id", exact())
	dm.AddFieldMappingsAt("user_id", exact())
	dm.AddFieldMappingsAt("created_at", created)

	im.DefaultMapping = dm
	return im
}

func docID(d Doc) string {
	if d.Kind == KindFavorite {
		return "favorite:" + d.UserID + ":" + d.ID
	}
	return "story:" + d.ID
}

func fields(d Doc) map[string]any {
	return map[string]any{
		"kind":        string(d.Kind),
		"id":          d.ID,
		"user_id":     d.UserID,
		"name":        d.Name,
		"description": d.Description,
		"created_at":  d.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (b *bleveEngine) reindexAll() error {
	stories, err := b.store.GetAllStories()
	if err != nil {
		return err
	}
	var favs []*storage.Favorite
	if err := b.store.GetAll(storage.Favorites, &favs); err != nil {
		return err
	}
	var owned []*storage.Favorite
	if err := b.store.GetAll(storage.UserFavorites, &owned); err != nil {
		return err
	}

	batch := b.idx.NewBatch()
	for _, s := range stories {
		d := StoryDoc(s)
		_ = batch.Index(docID(d), fields(d))
	}
	for _, f := range append(favs, owned...) {
		d := FavoriteDoc(f)
		_ = batch.Index(docID(d), fields(d))
	}
	return b.idx.Batch(batch)
}

func (b *bleveEngine) Search(query string, limit int) ([]*Result, error) {
	if len(strings.TrimSpace(query)) < 2 {
		return []*Result{}, nil
	}
	// OR of per-term matches across name and description with boosts
	var qs []bleveQuery.Query
	for _, tok := range tokenize(query) {
		qn := bleve.NewMatchQuery(tok)
		qn.SetField("name")
		qn.SetBoost(4.0)
		qs = append(qs, qn)
		qnp := bleve.NewPrefixQuery(tok)
		qnp.SetField("name")
		qnp.SetBoost(3.5)
		qs = append(qs, qnp)

		qd := bleve.NewMatchQuery(tok)
		qd.SetField("description")
		qd.SetBoost(2.0)
		qs = append(qs, qd)
		qdp := bleve.NewPrefixQuery(tok)
		qdp.SetField("description")
		qdp.SetBoost(1.8)
		qs = append(qs, qdp)
	}
	if len(qs) == 0 {
		return []*Result{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	srch := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(qs...), limit, 0, false)
	srch.Fields = []string{"kind", "id", "user_id", "name", "description", "created_at"}
	res, err := b.idx.Search(srch)
	if err != nil {
		return nil, err
	}

	out := make([]*Result, 0, len(res.Hits))
	for _, h := range res.Hits {
		d := Doc{}
		if v, ok := h.Fields["kind"].(string); ok {
			d.Kind = Kind(v)
		}
		if v, ok := h.Fields["id"].(string); ok {
			d.ID = v
		}
		if v, ok := h.Fields["user_id"].(string); ok {
			d.UserID = v
		}
		if v, ok := h.Fields["name"].(string); ok {
			d.Name = v
		}
		if v, ok := h.Fields["description"].(string); ok {
			d.Description = v
		}
		if v, ok := h.Fields["created_at"].(string); ok {
			d.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
		}
		out = append(out, &Result{Doc: d, Score: h.Score})
	}
	return out, nil
}

func (b *bleveEngine) OnStoriesSaved(stories []*storage.Story) {
	batch := b.idx.NewBatch()
	for _, s := range stories {
		if s == nil || s.ID == "" {
			continue
		}
		d := StoryDoc(s)
		_ = batch.Index(docID(d), fields(d))
	}
	if err := b.idx.Batch(batch); err != nil {
		debuglog.Warnf("search: indexing %d stories: %v", len(stories), err)
	}
}

func (b *bleveEngine) OnFavoriteSaved(fav *storage.Favorite) {
	d := FavoriteDoc(fav)
	if err := b.idx.Index(docID(d), fields(d)); err != nil {
		debuglog.Warnf("search: indexing favorite %s: %v", fav.ID, err)
	}
}

func (b *bleveEngine) OnStoryDeleted(id string) {
	_ = b.idx.Delete(docID(Doc{Kind: KindStory, ID: id}))
}

func (b *bleveEngine) OnFavoriteRemoved(userID, id string) {
	_ = b.idx.Delete(docID(Doc{Kind: KindFavorite, UserID: userID, ID: id}))
}

// DocCount reports total documents in the index.
func (b *bleveEngine) DocCount() (int, error) {
	n, err := b.idx.DocCount()
	return int(n), err
}

func (b *bleveEngine) Close() error {
	return b.idx.Close()
}
