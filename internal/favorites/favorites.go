// Package favorites merges a user's favorite stories with stories saved on
// this device and lets callers search, sort and delete them.
package favorites

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/pders01/storyline/internal/search"
	"github.com/pders01/storyline/internal/storage"
)

// Source says which collection an Item came from.
type Source string

const (
	SourceFavorite Source = "favorite"
	SourceLocal    Source = "local"
)

type Item struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Photo       string    `json:"photo,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Source      Source    `json:"source"`
}

type Order string

const (
	Newest    Order = "newest"
	Oldest    Order = "oldest"
	TitleAsc  Order = "title-asc"
	TitleDesc Order = "title-desc"
)

func ParseOrder(s string) (Order, error) {
	switch o := Order(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return Newest, nil
	case Newest, Oldest, TitleAsc, TitleDesc:
		return o, nil
	}
	return "", fmt.Errorf("unknown sort order %q (want newest, oldest, title-asc or title-desc)", s)
}

type Query struct {
	Search string
	Order  Order
}

// Store is the part of the persistent store favorites live in.
type Store interface {
	GetAllStories() ([]*storage.Story, error)
	DeleteStory(id string) error
	AddFavorite(fav *storage.Favorite) error
	RemoveFavorite(id string) error
	GetAllFavorites() ([]*storage.Favorite, error)
	AddUserFavorite(userID string, fav *storage.Favorite) error
	RemoveUserFavorite(userID, id string) error
	GetUserFavorites(userID string) ([]*storage.Favorite, error)
}

// Indexer is told about every change so a search index can follow.
type Indexer interface {
	search.UpdateListener
	search.DeleteListener
}

type Service struct {
	store   Store
	indexer Indexer

	collMu   sync.Mutex
	collator *collate.Collator
}

// NewService creates a Service. indexer may be nil.
func NewService(store Store, indexer Indexer) *Service {
	return &Service{
		store:    store,
		indexer:  indexer,
		collator: collate.New(language.Und, collate.IgnoreCase),
	}
}

// Add favorites story for userID, or anonymously when userID is empty.
// Adding the same story twice keeps one record.
func (s *Service) Add(userID string, story *storage.Story) error {
	if story == nil || story.ID == "" {
		return fmt.Errorf("story id is required")
	}
	fav := &storage.Favorite{
		ID:          story.ID,
		Name:        story.Name,
		Description: story.Description,
		CreatedAt:   story.CreatedAt,
	}
	if story.PhotoURL != nil {
		fav.Photo = *story.PhotoURL
	}

	var err error
	if userID == "" {
		err = s.store.AddFavorite(fav)
	} else {
		err = s.store.AddUserFavorite(userID, fav)
		fav.UserID = userID
	}
	if err != nil {
		return fmt.Errorf("adding favorite: %w", err)
	}
	if s.indexer != nil {
		s.indexer.OnFavoriteSaved(fav)
	}
	return nil
}

// List merges the user's favorites (anonymous favorites for a guest) with
// locally created stories. A favorite wins over a local story with the
// same id.
func (s *Service) List(userID string, q Query) ([]Item, error) {
	var favs []*storage.Favorite
	var err error
	if userID == "" {
		favs, err = s.store.GetAllFavorites()
	} else {
		favs, err = s.store.GetUserFavorites(userID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading favorites: %w", err)
	}
	stories, err := s.store.GetAllStories()
	if err != nil {
		return nil, fmt.Errorf("loading local stories: %w", err)
	}

	byID := make(map[string]Item, len(favs)+len(stories))
	var order []string
	for _, f := range favs {
		if _, ok := byID[f.ID]; !ok {
			order = append(order, f.ID)
		}
		byID[f.ID] = Item{ID: f.ID, Name: f.Name, Description: f.Description, Photo: f.Photo, CreatedAt: f.CreatedAt, Source: SourceFavorite}
	}
	for _, st := range stories {
		if !st.Local() {
			continue
		}
		if _, ok := byID[st.ID]; ok {
			continue
		}
		item := Item{ID: st.ID, Name: st.Name, Description: st.Description, CreatedAt: st.CreatedAt, Source: SourceLocal}
		if st.PhotoURL != nil {
			item.Photo = *st.PhotoURL
		}
		byID[st.ID] = item
		order = append(order, st.ID)
	}

	docs := make([]search.Doc, 0, len(order))
	for _, id := range order {
		it := byID[id]
		docs = append(docs, search.Doc{ID: it.ID, Name: it.Name, Description: it.Description, CreatedAt: it.CreatedAt})
	}
	docs = search.Filter(docs, q.Search)

	items := make([]Item, 0, len(docs))
	for _, d := range docs {
		items = append(items, byID[d.ID])
	}
	s.sort(items, q.Order)
	return items, nil
}

func (s *Service) sort(items []Item, order Order) {
	switch order {
	case Oldest:
		sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	case TitleAsc, TitleDesc:
		s.collMu.Lock()
		defer s.collMu.Unlock()
		sort.SliceStable(items, func(i, j int) bool {
			c := s.collator.CompareString(items[i].Name, items[j].Name)
			if order == TitleDesc {
				return c > 0
			}
			return c < 0
		})
	default:
		sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	}
}

// Remove deletes item from the collection it came from: a favorite from
// the user's (or anonymous) favorites, a local story from the stories.
func (s *Service) Remove(userID string, item Item) error {
	local := item.Source == SourceLocal || (item.Source == "" && strings.HasPrefix(item.ID, storage.LocalIDPrefix))

	var err error
	switch {
	case local:
		err = s.store.DeleteStory(item.ID)
		if err == nil && s.indexer != nil {
			s.indexer.OnStoryDeleted(item.ID)
		}
	case userID == "":
		err = s.store.RemoveFavorite(item.ID)
	default:
		err = s.store.RemoveUserFavorite(userID, item.ID)
	}
	if err != nil {
		return fmt.Errorf("removing %s: %w", item.ID, err)
	}
	if !local && s.indexer != nil {
		s.indexer.OnFavoriteRemoved(userID, item.ID)
	}
	return nil
}
