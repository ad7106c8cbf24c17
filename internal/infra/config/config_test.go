package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HISTORY_BACKEND", "")
	os.Unsetenv("HISTORY_BACKEND")
	t.Setenv("X_BEARER_PRIMARY", "token-primary")
	t.Setenv("SOCIAL_INTERVAL", "5m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dedup.Backend != HistoryMemory || cfg.Dedup.Retention != 48*time.Hour {
		t.Fatalf("dedup = %+v", cfg.Dedup)
	}
	if cfg.Polling.SocialInterval != 5*time.Minute || cfg.Polling.DispatchCap != 2 {
		t.Fatalf("polling = %+v", cfg.Polling)
	}
	if cfg.XTokens()["primary"] != "token-primary" {
		t.Fatalf("tokens = %v", cfg.XTokens())
	}
	if cfg.Quiet.StartHour != -1 {
		t.Fatalf("quiet = %+v", cfg.Quiet)
	}
}

func TestValidateBackendRequirements(t *testing.T) {
	var cfg AppConfig
	cfg.Dedup.Backend = HistoryRedis
	if err := cfg.Validate(); err == nil {
		t.Fatal("redis backend without address must fail")
	}
	cfg.Redis.Addr = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	cfg.Dedup.Backend = "mongo"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown backend must fail")
	}
}

func TestParseHandle(t *testing.T) {
	cases := map[string]string{
		"@AgenciaBrasil":                  "agenciabrasil",
		"https://x.com/g1":                "g1",
		"twitter.com/folha/":              "folha",
		"https://www.twitter.com/Estadao": "estadao",
		"bbcbrasil":                       "bbcbrasil",
	}
	for in, want := range cases {
		got, err := ParseHandle(in)
		if err != nil {
			t.Fatalf("ParseHandle(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseHandle(%q) = %q, want %q", in, got, want)
		}
	}
	for _, bad := range []string{"", "https://t.me/channel", "name with space", "waytoolongusername_x"} {
		if _, err := ParseHandle(bad); !errors.Is(err, ErrHandleInvalid) {
			t.Fatalf("ParseHandle(%q) err = %v", bad, err)
		}
	}
}

const sampleSources = `
prompts:
  weather: "Публикуй только официальные предупреждения о погоде."
accounts:
  - username: "@DefesaCivilSP"
    prompt: weather
  - username: x.com/AgenciaBrasil
    skip_evaluation: true
  - username: "@agenciabrasil"
  - username: g1
    media_only: true
    prompt: "Только фото с мест событий."
feeds:
  - id: g1-economia
    name: G1 Economia
    url: https://g1.example/rss/economia
    language: pt
  - url: https://www.reuters.example/world/rss
denylist:
  keywords: ["horóscopo", "bbb"]
  path_prefixes: ["/esportes"]
`

func TestLoadSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte(sampleSources), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	src, err := LoadSources(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(src.Accounts) != 3 {
		t.Fatalf("accounts = %+v", src.Accounts)
	}
	if src.Accounts[0].Username != "defesacivilsp" || src.Accounts[0].CustomPrompt != "Публикуй только официальные предупреждения о погоде." {
		t.Fatalf("first account = %+v", src.Accounts[0])
	}
	if !src.Accounts[1].SkipEvaluation || src.Accounts[1].UsesCustomPrompt() {
		t.Fatalf("second account = %+v", src.Accounts[1])
	}
	if !src.Accounts[2].MediaOnly || src.Accounts[2].CustomPrompt != "Только фото с мест событий." {
		t.Fatalf("third account = %+v", src.Accounts[2])
	}
	if len(src.Feeds) != 2 || src.Feeds[1].ID != "reuters.example/world/rss" || src.Feeds[0].Name != "G1 Economia" {
		t.Fatalf("feeds = %+v", src.Feeds)
	}
	if len(src.Denylist.Keywords) != 2 || src.Denylist.PathPrefixes[0] != "/esportes" {
		t.Fatalf("denylist = %+v", src.Denylist)
	}
}

func TestParseSourcesRejectsBadHandle(t *testing.T) {
	_, err := ParseSources([]byte("accounts:\n  - username: \"not valid!\"\n"))
	if !errors.Is(err, ErrHandleInvalid) {
		t.Fatalf("err = %v", err)
	}
}
