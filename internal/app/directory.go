package app

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/parley-app/parley/internal/domain"
)

// StaticDirectory resolves display names from the channel/group membership
// export. Read-only: the core never writes back to the membership source.
type StaticDirectory struct {
	names map[domain.UserID]string
}

func (d *StaticDirectory) DisplayName(id domain.UserID) (string, bool) {
	if d == nil {
		return "", false
	}
	name, ok := d.names[id]
	return name, ok
}

// LoadDirectory reads a yaml map of user id to display name. A missing path
// yields an empty directory, which is fine: presence entries then keep the
// names the backend sent.
func LoadDirectory(path string) (*StaticDirectory, error) {
	dir := &StaticDirectory{names: make(map[domain.UserID]string)}
	if path == "" {
		return dir, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	for id, name := range v.GetStringMapString("users") {
		dir.names[domain.UserID(id)] = name
	}
	return dir, nil
}
