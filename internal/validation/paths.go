package validation

import (
	"path/filepath"
)

// PathHandler prepares the on-disk locations the daemon writes to.
type PathHandler struct {
	validator *FilePathValidator
}

func NewPermissivePathHandler() *PathHandler {
	return &PathHandler{validator: NewPermissiveFilePathValidator()}
}

// PrepareFile validates a database or log file path and creates its parent
// directory.
func (ph *PathHandler) PrepareFile(path string) (string, error) {
	validated, err := ph.validator.ValidateFile(path)
	if err != nil {
		return "", err
	}
	if _, err := ph.validator.ValidateDirectory(filepath.Dir(validated), true); err != nil {
		return "", err
	}
	return validated, nil
}

// PrepareIndexDir validates a search index location; bleve indexes are
// directories and bleve creates the final path itself.
func (ph *PathHandler) PrepareIndexDir(path string) (string, error) {
	validated, err := ph.validator.ValidateAndSanitize(path)
	if err != nil {
		return "", err
	}
	if _, err := ph.validator.ValidateDirectory(filepath.Dir(validated), true); err != nil {
		return "", err
	}
	return validated, nil
}

// PhotoFile validates a photo path given on the command line.
func (ph *PathHandler) PhotoFile(path string) (string, error) {
	return ph.validator.ValidateFile(path)
}
