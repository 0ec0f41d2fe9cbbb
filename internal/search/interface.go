package search

import (
	"time"

	"github.com/pders01/storyline/internal/storage"
)

// Kind tells stories and favorites apart in results.
type Kind string

const (
	KindStory    Kind = "story"
	KindFavorite Kind = "favorite"
)

// Doc is the searchable view of a story or favorite.
type Doc struct {
	Kind        Kind
	ID          string
	UserID      string
	Name        string
	Description string
	CreatedAt   time.Time
}

func StoryDoc(s *storage.Story) Doc {
	return Doc{Kind: KindStory, ID: s.ID, Name: s.Name, Description: s.Description, CreatedAt: s.CreatedAt}
}

func FavoriteDoc(f *storage.Favorite) Doc {
	return Doc{Kind: KindFavorite, ID: f.ID, UserID: f.UserID, Name: f.Name, Description: f.Description, CreatedAt: f.CreatedAt}
}

// Searcher defines the minimal search API used by the CLI and controller.
type Searcher interface {
	Search(query string, limit int) ([]*Result, error)
}

// UpdateListener can be implemented by search engines that maintain
// an external index and want to be notified about data changes.
type UpdateListener interface {
	OnStoriesSaved(stories []*storage.Story)
	OnFavoriteSaved(fav *storage.Favorite)
}

// DeleteListener can be implemented to get notified about removals.
type DeleteListener interface {
	OnStoryDeleted(id string)
	OnFavoriteRemoved(userID, id string)
}

// DebugStatser provides lightweight stats for visibility/debugging.
type DebugStatser interface {
	DocCount() (int, error)
}
