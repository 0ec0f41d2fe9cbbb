package storage

import (
	"sort"
	"strings"
)

// SaveStories upserts every story with an ID; stories without one are
// skipped. It returns how many were written.
func (s *Store) SaveStories(stories []*Story) (int, error) {
	n := 0
	for _, story := range stories {
		if story == nil || story.ID == "" {
			continue
		}
		if err := s.Put(Stories, story); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) SaveStory(story *Story) error {
	return s.Put(Stories, story)
}

// GetStory returns the stored story or nil when absent.
func (s *Store) GetStory(id string) (*Story, error) {
	var story Story
	found, err := s.Get(Stories, Key{id}, &story)
	if err != nil || !found {
		return nil, err
	}
	return &story, nil
}

// GetAllStories returns stored stories, newest first.
func (s *Store) GetAllStories() ([]*Story, error) {
	var stories []*Story
	if err := s.GetAll(Stories, &stories); err != nil {
		return nil, err
	}
	sort.SliceStable(stories, func(i, j int) bool {
		return stories[i].CreatedAt.After(stories[j].CreatedAt)
	})
	return stories, nil
}

func (s *Store) DeleteStory(id string) error {
	return s.Delete(Stories, Key{id})
}

// AddFavorite stores an anonymous favorite.
func (s *Store) AddFavorite(fav *Favorite) error {
	anon := *fav
	anon.UserID = ""
	return s.Put(Favorites, &anon)
}

func (s *Store) RemoveFavorite(id string) error {
	return s.Delete(Favorites, Key{id})
}

func (s *Store) GetFavorite(id string) (*Favorite, error) {
	var fav Favorite
	found, err := s.Get(Favorites, Key{id}, &fav)
	if err != nil || !found {
		return nil, err
	}
	return &fav, nil
}

func (s *Store) GetAllFavorites() ([]*Favorite, error) {
	var favs []*Favorite
	if err := s.GetAll(Favorites, &favs); err != nil {
		return nil, err
	}
	return favs, nil
}

// AddUserFavorite stores fav under (userID, fav.ID). Adding the same pair
// twice overwrites the first record.
func (s *Store) AddUserFavorite(userID string, fav *Favorite) error {
	owned := *fav
	owned.UserID = strings.TrimSpace(userID)
	return s.Put(UserFavorites, &owned)
}

func (s *Store) RemoveUserFavorite(userID, id string) error {
	return s.Delete(UserFavorites, Key{userID, id})
}

func (s *Store) GetUserFavorite(userID, id string) (*Favorite, error) {
	var fav Favorite
	found, err := s.Get(UserFavorites, Key{userID, id}, &fav)
	if err != nil || !found {
		return nil, err
	}
	return &fav, nil
}

// GetUserFavorites returns every favorite owned by userID.
func (s *Store) GetUserFavorites(userID string) ([]*Favorite, error) {
	var favs []*Favorite
	if err := s.GetAllByIndex(UserFavorites, IndexUser, userID, &favs); err != nil {
		return nil, err
	}
	return favs, nil
}
