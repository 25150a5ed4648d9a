package connector

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/constants"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/securefile"
)

type markerFile struct {
	Schema    int       `json:"schema"`
	Provider  string    `json:"provider"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MarkerStore persists the id of the last provider the user approved.
type MarkerStore struct {
	path string
}

func NewMarkerStore() (*MarkerStore, error) {
	path, err := securefile.ResolvePath(constants.AppName, constants.CachedProviderFile)
	if err != nil {
		return nil, errors.Wrap(err, "resolve cached provider path")
	}
	return &MarkerStore{path: path}, nil
}

func NewMarkerStoreAt(path string) *MarkerStore {
	return &MarkerStore{path: path}
}

func (s *MarkerStore) Path() string { return s.path }

// Load returns "" when no marker has been written.
func (s *MarkerStore) Load() (string, error) {
	if !securefile.Exists(s.path) {
		return "", nil
	}
	m, err := securefile.ReadJSON[markerFile](s.path)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", s.path)
	}
	return strings.TrimSpace(m.Provider), nil
}

func (s *MarkerStore) Save(providerID string) error {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return errors.New("provider id must not be empty")
	}
	m := markerFile{
		Schema:    constants.SchemaV1,
		Provider:  providerID,
		UpdatedAt: time.Now().UTC(),
	}
	return securefile.WriteJSON(s.path, m, constants.FilePerm, constants.DirectoryPerm)
}

// Clear is idempotent.
func (s *MarkerStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", s.path)
	}
	return nil
}
