package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/usecase/pipeline"
)

// ErrHandleInvalid возвращается для некорректного имени аккаунта.
var ErrHandleInvalid = errors.New("некорректное имя аккаунта")

var handleRegex = regexp.MustCompile(`(?i)^(?:@|https?://(?:www\.)?(?:x|twitter)\.com/|(?:www\.)?(?:x|twitter)\.com/)?([a-z0-9_]{1,15})/?$`)

// Sources описывает содержимое файла источников.
type Sources struct {
	Accounts []domain.Account
	Feeds    []domain.Feed
	Denylist pipeline.Denylist
}

type sourcesFile struct {
	Accounts []accountEntry    `yaml:"accounts"`
	Feeds    []feedEntry       `yaml:"feeds"`
	Denylist pipeline.Denylist `yaml:"denylist"`
	Prompts  map[string]string `yaml:"prompts"`
}

type accountEntry struct {
	Username       string `yaml:"username"`
	MediaOnly      bool   `yaml:"media_only"`
	SkipEvaluation bool   `yaml:"skip_evaluation"`
	// Prompt содержит имя промпта из секции prompts либо сам текст.
	Prompt string `yaml:"prompt"`
}

type feedEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Language string `yaml:"language"`
}

// ParseHandle приводит @name, x.com/name и twitter.com/name к имени в нижнем регистре.
func ParseHandle(input string) (string, error) {
	matches := handleRegex.FindStringSubmatch(strings.TrimSpace(input))
	if len(matches) < 2 {
		return "", fmt.Errorf("%w: %q", ErrHandleInvalid, input)
	}
	return strings.ToLower(matches[1]), nil
}

// LoadSources читает файл источников.
func LoadSources(path string) (Sources, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Sources{}, fmt.Errorf("чтение %s: %w", path, err)
	}
	return ParseSources(raw)
}

// ParseSources разбирает YAML со списками аккаунтов, лент и запретов.
func ParseSources(raw []byte) (Sources, error) {
	var file sourcesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Sources{}, fmt.Errorf("разбор источников: %w", err)
	}

	out := Sources{Denylist: file.Denylist}
	seen := make(map[string]struct{}, len(file.Accounts))
	for _, entry := range file.Accounts {
		name, err := ParseHandle(entry.Username)
		if err != nil {
			return Sources{}, err
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		prompt := strings.TrimSpace(entry.Prompt)
		if named, ok := file.Prompts[prompt]; ok {
			prompt = strings.TrimSpace(named)
		}
		out.Accounts = append(out.Accounts, domain.Account{
			Username:       name,
			MediaOnly:      entry.MediaOnly,
			SkipEvaluation: entry.SkipEvaluation,
			CustomPrompt:   prompt,
		})
	}

	feedIDs := make(map[string]struct{}, len(file.Feeds))
	for i, entry := range file.Feeds {
		url := strings.TrimSpace(entry.URL)
		if url == "" {
			return Sources{}, fmt.Errorf("лента #%d: пустой url", i+1)
		}
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			id = domain.CanonicalURL(url)
		}
		if _, dup := feedIDs[id]; dup {
			return Sources{}, fmt.Errorf("лента %q указана дважды", id)
		}
		feedIDs[id] = struct{}{}
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = id
		}
		out.Feeds = append(out.Feeds, domain.Feed{
			ID:       id,
			Name:     name,
			URL:      url,
			Language: strings.TrimSpace(entry.Language),
		})
	}
	return out, nil
}
