package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// SecurityLevelDef names a single entry in config/security_levels.toml:
// a human-readable label for a numeric access level, shown by sysop
// tools and new-user registration instead of a bare integer.
type SecurityLevelDef struct {
	Level       int    `toml:"level"`
	Name        string `toml:"name"`
	Description string `toml:"description,omitempty"`
}

type securityLevelsFile struct {
	SecurityLevel []SecurityLevelDef `toml:"security_level"`
}

// LoadSecurityLevels reads config/security_levels.toml. Returns an empty
// slice, not an error, if the file does not exist, a board with no
// named levels just shows bare integers.
func LoadSecurityLevels(configDir string) ([]SecurityLevelDef, error) {
	path := filepath.Join(configDir, "security_levels.toml")
	var file securityLevelsFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if os.IsNotExist(err) {
			log.Printf("INFO: %s not found, no named security levels.", path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return file.SecurityLevel, nil
}

// GroupDef names a single entry in config/groups.toml: a named security
// group SecurityExpression conditions (internal/acs's G:<name>) can test
// membership in, plus the members that belong to it.
type GroupDef struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description,omitempty"`
	Members     []string `toml:"members,omitempty"`
}

type groupsFile struct {
	Group []GroupDef `toml:"group"`
}

// LoadGroups reads config/groups.toml.
func LoadGroups(configDir string) ([]GroupDef, error) {
	path := filepath.Join(configDir, "groups.toml")
	var file groupsFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if os.IsNotExist(err) {
			log.Printf("INFO: %s not found, no named groups.", path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return file.Group, nil
}

// MembersOf returns the usernames listed for the named group, as written
// in config/groups.toml, or nil if the group isn't defined.
func MembersOf(groups []GroupDef, name string) []string {
	for _, g := range groups {
		if g.Name == name {
			return g.Members
		}
	}
	return nil
}

// LanguageDef names a single entry in config/languages.toml: a selectable
// display language and the .toml/.json string-table file under it.
type LanguageDef struct {
	Code        string `toml:"code"`
	Name        string `toml:"name"`
	StringsFile string `toml:"strings_file"`
	Default     bool   `toml:"default,omitempty"`
}

type languagesFile struct {
	Language []LanguageDef `toml:"language"`
}

// LoadLanguages reads config/languages.toml.
func LoadLanguages(configDir string) ([]LanguageDef, error) {
	path := filepath.Join(configDir, "languages.toml")
	var file languagesFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if os.IsNotExist(err) {
			log.Printf("INFO: %s not found, single default language only.", path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return file.Language, nil
}

// DefaultLanguage returns the language marked default, or the first
// entry, matching transfer.DefaultProtocol's fallback shape.
func DefaultLanguage(langs []LanguageDef) (LanguageDef, bool) {
	if len(langs) == 0 {
		return LanguageDef{}, false
	}
	for _, l := range langs {
		if l.Default {
			return l, true
		}
	}
	return langs[0], true
}

// GlobalCommandDef names a single entry in config/commands.toml: a
// board-wide command available from any menu, independent of the
// per-menu CommandRecord entries a .CFG file defines.
type GlobalCommandDef struct {
	Keys    string `toml:"keys"`
	Command string `toml:"command"`
	ACS     string `toml:"acs,omitempty"`
	Hidden  bool   `toml:"hidden,omitempty"`
}

type commandsFile struct {
	Command []GlobalCommandDef `toml:"command"`
}

// LoadGlobalCommands reads config/commands.toml.
func LoadGlobalCommands(configDir string) ([]GlobalCommandDef, error) {
	path := filepath.Join(configDir, "commands.toml")
	var file commandsFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if os.IsNotExist(err) {
			log.Printf("INFO: %s not found, no board-wide commands.", path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return file.Command, nil
}

// BoardStatistics holds the board-wide counters config/statistics.toml
// persists across restarts: totals that outlive any single node or
// session and aren't naturally owned by internal/user's per-user or
// per-call records.
type BoardStatistics struct {
	TotalCalls      uint64 `toml:"total_calls"`
	TotalUploads    uint64 `toml:"total_uploads"`
	TotalDownloads  uint64 `toml:"total_downloads"`
	TotalPosts      uint64 `toml:"total_posts"`
	TotalEmails     uint64 `toml:"total_emails"`
	FirstCallDate   string `toml:"first_call_date,omitempty"`
	LastMaintenance string `toml:"last_maintenance,omitempty"`
}

// LoadStatistics reads config/statistics.toml, returning a zeroed
// BoardStatistics (not an error) for a board that hasn't run yet.
func LoadStatistics(configDir string) (BoardStatistics, error) {
	path := filepath.Join(configDir, "statistics.toml")
	var stats BoardStatistics
	if _, err := toml.DecodeFile(path, &stats); err != nil {
		if os.IsNotExist(err) {
			return BoardStatistics{}, nil
		}
		return BoardStatistics{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return stats, nil
}

// SaveStatistics writes stats back to config/statistics.toml.
func SaveStatistics(configDir string, stats BoardStatistics) error {
	path := filepath.Join(configDir, "statistics.toml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(stats); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}

// LoadIcyBoardTOML reads <rootDir>/icyboard.toml into a ServerConfig,
// the TOML counterpart of LoadServerConfig's config.json. LoadBoardLayout
// calls it to read the persistent-state layout.
func LoadIcyBoardTOML(rootDir string) (ServerConfig, error) {
	path := filepath.Join(rootDir, "icyboard.toml")
	var cfg ServerConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	log.Printf("INFO: Loaded board configuration from %s", path)
	return cfg, nil
}

// SaveIcyBoardTOML writes cfg to <rootDir>/icyboard.toml.
func SaveIcyBoardTOML(rootDir string, cfg ServerConfig) error {
	path := filepath.Join(rootDir, "icyboard.toml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	log.Printf("INFO: Wrote board configuration to %s", path)
	return nil
}

// BoardLayout bundles every file spec's persistent-state layout defines
// under a board's root directory: icyboard.toml plus everything under
// config/. Conferences and protocols have their own dedicated loaders
// (internal/conference.NewConferenceManager, internal/transfer.
// LoadProtocolsTOML) since they're owned by those packages; BoardLayout
// only aggregates the pieces internal/config itself is responsible for.
type BoardLayout struct {
	RootDir         string
	Server          ServerConfig
	SecurityLevels  []SecurityLevelDef
	Groups          []GroupDef
	Languages       []LanguageDef
	GlobalCommands  []GlobalCommandDef
	Statistics      BoardStatistics
}

// LoadBoardLayout reads icyboard.toml and config/{security_levels,
// groups,languages,commands,statistics}.toml from rootDir.
func LoadBoardLayout(rootDir string) (*BoardLayout, error) {
	server, err := LoadIcyBoardTOML(rootDir)
	if err != nil {
		return nil, err
	}
	configDir := filepath.Join(rootDir, "config")

	levels, err := LoadSecurityLevels(configDir)
	if err != nil {
		return nil, err
	}
	groups, err := LoadGroups(configDir)
	if err != nil {
		return nil, err
	}
	langs, err := LoadLanguages(configDir)
	if err != nil {
		return nil, err
	}
	cmds, err := LoadGlobalCommands(configDir)
	if err != nil {
		return nil, err
	}
	stats, err := LoadStatistics(configDir)
	if err != nil {
		return nil, err
	}

	return &BoardLayout{
		RootDir:        rootDir,
		Server:         server,
		SecurityLevels: levels,
		Groups:         groups,
		Languages:      langs,
		GlobalCommands: cmds,
		Statistics:     stats,
	}, nil
}
