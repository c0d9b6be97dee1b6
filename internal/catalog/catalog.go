// Package catalog provides the supported game and game-mode definitions
// loaded from YAML content.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Game defines a supported game and its queueable modes.
type Game struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Modes []string `yaml:"modes"`
}

// Validate checks that the game definition satisfies basic invariants.
//
// Postcondition: Returns nil iff ID and Name are non-empty and at least one
// mode is defined with no duplicates.
func (g *Game) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("game: id must not be empty")
	}
	if g.Name == "" {
		return fmt.Errorf("game %q: name must not be empty", g.ID)
	}
	if len(g.Modes) == 0 {
		return fmt.Errorf("game %q: at least one mode is required", g.ID)
	}
	seen := make(map[string]bool, len(g.Modes))
	for _, mode := range g.Modes {
		if mode == "" {
			return fmt.Errorf("game %q: mode must not be empty", g.ID)
		}
		if seen[mode] {
			return fmt.Errorf("game %q: duplicate mode %q", g.ID, mode)
		}
		seen[mode] = true
	}
	return nil
}

type gamesFile struct {
	Games []*Game `yaml:"games"`
}

// Catalog is an immutable lookup of supported games and modes.
type Catalog struct {
	games map[string]*Game
}

// Load reads game definitions from the given YAML file.
//
// Precondition: path must point to a readable YAML file.
// Postcondition: Returns a Catalog with every definition validated, or a
// non-nil error naming the first invalid entry.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading games file: %w", err)
	}

	var file gamesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing games file: %w", err)
	}
	if len(file.Games) == 0 {
		return nil, fmt.Errorf("games file %q defines no games", path)
	}

	games := make(map[string]*Game, len(file.Games))
	for _, g := range file.Games {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if _, exists := games[g.ID]; exists {
			return nil, fmt.Errorf("duplicate game %q", g.ID)
		}
		games[g.ID] = g
	}

	return &Catalog{games: games}, nil
}

// New builds a Catalog directly from definitions. Used by tests and tools.
//
// Postcondition: Returns a Catalog, or an error if any definition is invalid.
func New(games ...*Game) (*Catalog, error) {
	byID := make(map[string]*Game, len(games))
	for _, g := range games {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if _, exists := byID[g.ID]; exists {
			return nil, fmt.Errorf("duplicate game %q", g.ID)
		}
		byID[g.ID] = g
	}
	return &Catalog{games: byID}, nil
}

// HasGame reports whether the given game is supported.
func (c *Catalog) HasGame(gameID string) bool {
	_, ok := c.games[gameID]
	return ok
}

// HasMode reports whether the given game supports the given mode.
func (c *Catalog) HasMode(gameID, mode string) bool {
	g, ok := c.games[gameID]
	if !ok {
		return false
	}
	for _, m := range g.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// GameCount returns the number of supported games.
func (c *Catalog) GameCount() int {
	return len(c.games)
}
