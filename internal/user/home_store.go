package user

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// userTOMLFilename is the file written under each user's home directory.
const userTOMLFilename = "user.toml"

// UserHomeDir returns the directory a user's per-user TOML state lives
// under: <rootDir>/home/<username>.
func UserHomeDir(rootDir, username string) string {
	return filepath.Join(rootDir, "home", strings.ToLower(username))
}

// UserTOMLPath returns the path to a user's home/<name>/user.toml file.
func UserTOMLPath(rootDir, username string) string {
	return filepath.Join(UserHomeDir(rootDir, username), userTOMLFilename)
}

// SaveUserTOML writes u to <rootDir>/home/<username>/user.toml, creating
// the user's home directory if needed.
func SaveUserTOML(rootDir string, u *User) error {
	if u == nil {
		return fmt.Errorf("cannot save nil user")
	}
	dir := UserHomeDir(rootDir, u.Username)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create home directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, userTOMLFilename)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(u); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}

// LoadUserTOML reads <rootDir>/home/<username>/user.toml.
func LoadUserTOML(rootDir, username string) (*User, error) {
	path := UserTOMLPath(rootDir, username)
	var u User
	if _, err := toml.DecodeFile(path, &u); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &u, nil
}

// ListUserHomes returns the usernames with a home/<name>/user.toml file
// under rootDir, in directory order.
func ListUserHomes(rootDir string) ([]string, error) {
	homeDir := filepath.Join(rootDir, "home")
	entries, err := os.ReadDir(homeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", homeDir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(homeDir, e.Name(), userTOMLFilename)); err == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ExportHome writes every currently loaded user to its own
// home/<name>/user.toml file under rootDir, implementing the "import"
// side of the persistent-state layout: converting the legacy single
// users.json store into spec's per-user TOML tree.
func (um *UserMgr) ExportHome(rootDir string) (int, error) {
	um.mu.RLock()
	users := make([]*User, 0, len(um.users))
	for _, u := range um.users {
		users = append(users, u)
	}
	um.mu.RUnlock()

	count := 0
	for _, u := range users {
		if err := SaveUserTOML(rootDir, u); err != nil {
			return count, fmt.Errorf("failed to export user %q: %w", u.Username, err)
		}
		count++
	}
	log.Printf("INFO: Exported %d user(s) to %s/home/", count, rootDir)
	return count, nil
}

// ImportHome loads every home/<name>/user.toml file under rootDir into
// the manager, replacing any in-memory entry for the same username, then
// persists the merged set back to users.json so the rest of the code
// base (which still reads/writes through um.users) sees them.
func (um *UserMgr) ImportHome(rootDir string) (int, error) {
	names, err := ListUserHomes(rootDir)
	if err != nil {
		return 0, err
	}

	um.mu.Lock()
	if um.users == nil {
		um.users = make(map[string]*User)
	}
	count := 0
	for _, name := range names {
		u, err := LoadUserTOML(rootDir, name)
		if err != nil {
			um.mu.Unlock()
			return count, fmt.Errorf("failed to import user %q: %w", name, err)
		}
		um.users[strings.ToLower(u.Username)] = u
		count++
	}
	um.mu.Unlock()

	um.determineNextUserID()
	if err := um.SaveUsers(); err != nil {
		return count, fmt.Errorf("failed to persist imported users: %w", err)
	}
	log.Printf("INFO: Imported %d user(s) from %s/home/", count, rootDir)
	return count, nil
}
