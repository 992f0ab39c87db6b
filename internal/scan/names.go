package scan

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

// Alliterative word pairs for generated folder names. Both lists are keyed
// by initial letter so a draw always alliterates.
var nameAdjectives = map[byte][]string{
	'b': {"brisk", "bright", "bold", "breezy"},
	'c': {"calm", "clever", "cosmic", "crisp"},
	'd': {"dapper", "deft", "dusty", "daring"},
	'f': {"fuzzy", "fleet", "frosty", "fabled"},
	'g': {"gentle", "gilded", "glad", "groovy"},
	'h': {"hardy", "humble", "hazel", "hidden"},
	'l': {"lively", "lucid", "lunar", "limber"},
	'm': {"mellow", "mighty", "misty", "merry"},
	'p': {"plucky", "polar", "proud", "pebbly"},
	'q': {"quiet", "quick", "quirky"},
	's': {"silver", "sunny", "swift", "sturdy"},
	't': {"tidy", "tender", "twin", "tranquil"},
	'v': {"velvet", "vivid", "valiant"},
	'w': {"wandering", "warm", "witty", "wild"},
}

var nameNouns = map[byte][]string{
	'b': {"badger", "beacon", "birch", "bay"},
	'c': {"canyon", "comet", "cedar", "cove"},
	'd': {"dune", "dolphin", "dahlia", "delta"},
	'f': {"falcon", "fjord", "fern", "flint"},
	'g': {"garden", "glacier", "grove", "gull"},
	'h': {"harbor", "heron", "hollow", "hill"},
	'l': {"lagoon", "lantern", "lark", "lichen"},
	'm': {"meadow", "marmot", "mesa", "moss"},
	'p': {"pine", "plover", "prairie", "peak"},
	'q': {"quail", "quarry", "quill"},
	's': {"sparrow", "summit", "spruce", "shore"},
	't': {"thicket", "tundra", "trail", "tern"},
	'v': {"valley", "vineyard", "vole"},
	'w': {"willow", "wren", "wharf", "warren"},
}

var nameLetters []byte

func init() {
	for letter := range nameAdjectives {
		if _, ok := nameNouns[letter]; ok {
			nameLetters = append(nameLetters, letter)
		}
	}
}

// GenerateName returns an alliterative two-word folder name like
// "mellow-meadow".
func GenerateName() string {
	letter := nameLetters[rand.Intn(len(nameLetters))]
	adj := nameAdjectives[letter]
	noun := nameNouns[letter]
	return fmt.Sprintf("%s-%s", adj[rand.Intn(len(adj))], noun[rand.Intn(len(noun))])
}

const nameRetries = 16

// CreateFolder makes a new project folder under the scan root. An empty
// requested name draws generated names until one is free, within a small
// retry bound.
func (s *Scanner) CreateFolder(name string) (string, error) {
	if name != "" {
		if !ValidName(name) {
			return "", fmt.Errorf("invalid folder name %q", name)
		}
		path := filepath.Join(s.root, name)
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("folder %q already exists", name)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", err
		}
		return name, nil
	}

	for i := 0; i < nameRetries; i++ {
		candidate := GenerateName()
		path := filepath.Join(s.root, candidate)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", err
		}
		return candidate, nil
	}
	return "", fmt.Errorf("could not generate a free folder name after %d tries", nameRetries)
}
