package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestGetSettings(t *testing.T) {
	configHome := t.TempDir()
	siteHome := t.TempDir()

	for key, value := range map[string]string{
		"RELAYMESH_CONFIG_HOME": configHome,
		"RELAYMESH_SITE_HOME":   siteHome,
		"RELAYMESH_HOST":        "testhost",
	} {
		previous := os.Getenv(key)
		defer os.Setenv(key, previous)
		os.Setenv(key, value)
	}

	configSettings := `all:
  port: 5080
  proxy:
    next_protocol: http
    max_proxy_header: 1024
testhost:
  port: 5081
`
	err := os.WriteFile(filepath.Join(configHome, "settings.yml"), []byte(configSettings), 0644)
	assert.Equal(t, err, nil)

	siteSettings := `proxy:
  next_protocol: http
  max_proxy_header: 2048
`
	err = os.WriteFile(filepath.Join(siteHome, "settings.yml"), []byte(siteSettings), 0644)
	assert.Equal(t, err, nil)

	settings := GetSettings()

	// the host section overrides all, the site overrides the config
	assert.Equal(t, settings["port"], 5081)
	proxyObj := settings["proxy"].(map[string]any)
	assert.Equal(t, proxyObj["next_protocol"], "http")
	assert.Equal(t, proxyObj["max_proxy_header"], 2048)
}

func TestSimpleResourceOverride(t *testing.T) {
	configHome := t.TempDir()

	previous := os.Getenv("RELAYMESH_CONFIG_HOME")
	defer os.Setenv("RELAYMESH_CONFIG_HOME", previous)
	os.Setenv("RELAYMESH_CONFIG_HOME", configHome)

	err := os.WriteFile(filepath.Join(configHome, "settings.yml"), []byte("port: 5080\n"), 0644)
	assert.Equal(t, err, nil)

	res, err := Config.SimpleResource("settings.yml")
	assert.Equal(t, err, nil)
	assert.Equal(t, res.RequireInt("port"), 5080)

	pop := Config.PushSimpleResource("settings.yml", []byte("port: 9999\n"))
	defer pop()

	res, err = Config.SimpleResource("settings.yml")
	assert.Equal(t, err, nil)
	assert.Equal(t, res.RequireInt("port"), 9999)
}
