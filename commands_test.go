package botspot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCommandRegistryAdd(t *testing.T) {
	r := newCommandRegistry(noopLogger{})

	r.Add("start", "start the bot", VisibilityPublic)
	r.Add("/status", "show status", VisibilityHidden)

	info, ok := r.Get("/start")
	require.True(t, ok)
	assert.Equal(t, "/start", info.Name, "name is normalized to a leading slash")

	info, ok = r.Get("status")
	require.True(t, ok)
	assert.Equal(t, VisibilityHidden, info.Visibility)

	assert.Len(t, r.List(), 2)
}

func TestCommandRegistryDuplicateSkipped(t *testing.T) {
	log := &MockLogger{}
	log.On("Warn", mock.Anything, mock.Anything)
	r := newCommandRegistry(log)

	r.Add("start", "first", VisibilityPublic)
	r.Add("/start", "second", VisibilityPublic)

	info, _ := r.Get("start")
	assert.Equal(t, "first", info.Description, "the first registration wins")
	assert.Len(t, r.List(), 1)
	log.AssertCalled(t, "Warn", "command already registered, skipping", mock.Anything)
}

func TestCommandRegistryEmptyName(t *testing.T) {
	log := &MockLogger{}
	log.On("Warn", mock.Anything, mock.Anything)
	r := newCommandRegistry(log)

	r.Add("  ", "nothing", VisibilityPublic)
	assert.Empty(t, r.List())
	log.AssertCalled(t, "Warn", "skipping command with empty name", mock.Anything)
}

func TestCommandRegistryFormatMenu(t *testing.T) {
	r := newCommandRegistry(noopLogger{})
	r.Add("start", "start the bot", VisibilityPublic)
	r.Add("help", "show help", VisibilityPublic)
	r.Add("debug", "dump state", VisibilityHidden)
	r.Add("ban", "ban a user", VisibilityAdminOnly)

	menu := r.FormatMenu(false, false)
	assert.Contains(t, menu, "📝 Public commands:")
	assert.Contains(t, menu, "/start - start the bot")
	assert.NotContains(t, menu, "/debug")
	assert.NotContains(t, menu, "/ban")

	menu = r.FormatMenu(true, true)
	assert.Contains(t, menu, "🕵️ Hidden commands:")
	assert.Contains(t, menu, "👑 Admin commands:")
	assert.Contains(t, menu, "/debug - dump state")
	assert.Contains(t, menu, "/ban - ban a user")
}

func TestCommandRegistryFormatMenuGroups(t *testing.T) {
	r := newCommandRegistry(noopLogger{})
	r.Add("export", "export data", VisibilityPublic, "Data")
	r.Add("import", "import data", VisibilityPublic, "Data")
	r.Add("about", "about the bot", VisibilityPublic, "Misc")

	menu := r.FormatMenu(false, false)
	assert.Contains(t, menu, "Data:")
	assert.Contains(t, menu, "Misc:")

	// Groups are sorted, commands within a group too.
	assert.Less(t, strings.Index(menu, "Data:"), strings.Index(menu, "Misc:"))
	assert.Less(t, strings.Index(menu, "/export"), strings.Index(menu, "/import"))
}
