package moderation

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// wordListFile is the on-disk word list format:
//
//	banned_words = ["badword", "scam"]
type wordListFile struct {
	BannedWords []string `toml:"banned_words"`
}

// LoadWordList reads a TOML word list file.
func LoadWordList(path string) ([]string, error) {
	var f wordListFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("moderation: load word list %s: %w", path, err)
	}
	if !md.IsDefined("banned_words") {
		return nil, fmt.Errorf("moderation: word list %s: missing banned_words", path)
	}
	return f.BannedWords, nil
}

// NewFilterFromFile builds a Filter from a word list file, or the default
// filter when path is empty.
func NewFilterFromFile(path string) (*Filter, error) {
	if path == "" {
		return NewFilter(), nil
	}
	words, err := LoadWordList(path)
	if err != nil {
		return nil, err
	}
	return NewFilterWithTerms(words), nil
}
