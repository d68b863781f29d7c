package botspot

import (
	"sort"
	"strings"
	"sync"

	"github.com/maxbolgarin/errm"
	tele "gopkg.in/telebot.v4"
)

// Visibility controls where a command shows up.
type Visibility string

const (
	// VisibilityPublic commands go into the Telegram command menu and the help text.
	VisibilityPublic Visibility = "public"
	// VisibilityHidden commands show only in the hidden section of the help text.
	VisibilityHidden Visibility = "hidden"
	// VisibilityAdminOnly commands show only to admins.
	VisibilityAdminOnly Visibility = "admin_only"
)

// CommandInfo describes a single registered command.
type CommandInfo struct {
	Name        string
	Description string
	Visibility  Visibility
	Group       string
}

// CommandRegistry collects bot commands explicitly at startup and renders
// them into the Telegram command menu and a grouped help text.
type CommandRegistry struct {
	log Logger

	mu    sync.Mutex
	cmds  map[string]CommandInfo
	order []string
}

func newCommandRegistry(log Logger) *CommandRegistry {
	return &CommandRegistry{
		log:  log,
		cmds: make(map[string]CommandInfo),
	}
}

// Add registers a command. The name is normalized to a leading slash.
// A duplicate name is skipped with a warning, the first registration wins.
func (r *CommandRegistry) Add(name, description string, visibility Visibility, group ...string) {
	name = normalizeCommand(name)
	if name == "/" {
		r.log.Warn("skipping command with empty name")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cmds[name]; ok {
		r.log.Warn("command already registered, skipping", "command", name)
		return
	}

	info := CommandInfo{
		Name:        name,
		Description: description,
		Visibility:  visibility,
	}
	if len(group) > 0 {
		info.Group = group[0]
	}

	r.cmds[name] = info
	r.order = append(r.order, name)
}

// Get returns a registered command by name.
func (r *CommandRegistry) Get(name string) (CommandInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.cmds[normalizeCommand(name)]
	return info, ok
}

// List returns all registered commands in registration order.
func (r *CommandRegistry) List() []CommandInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]CommandInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.cmds[name])
	}
	return out
}

// listByVisibility returns commands of one visibility, sorted by group then name.
func (r *CommandRegistry) listByVisibility(v Visibility) []CommandInfo {
	var out []CommandInfo
	for _, info := range r.List() {
		if info.Visibility == v {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// FormatMenu renders the grouped help text. Hidden and admin sections are
// included only when asked for.
func (r *CommandRegistry) FormatMenu(includeHidden, includeAdmin bool) string {
	var b strings.Builder

	writeSection := func(title string, cmds []CommandInfo) {
		if len(cmds) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(title + "\n")
		group := ""
		for _, c := range cmds {
			if c.Group != group && c.Group != "" {
				b.WriteString("\n" + c.Group + ":\n")
			}
			group = c.Group
			b.WriteString(c.Name + " - " + c.Description + "\n")
		}
	}

	writeSection("📝 Public commands:", r.listByVisibility(VisibilityPublic))
	if includeHidden {
		writeSection("🕵️ Hidden commands:", r.listByVisibility(VisibilityHidden))
	}
	if includeAdmin {
		writeSection("👑 Admin commands:", r.listByVisibility(VisibilityAdminOnly))
	}

	return strings.TrimRight(b.String(), "\n")
}

// SetBotCommands pushes the public commands into the Telegram command menu.
func (r *CommandRegistry) SetBotCommands(bot *tele.Bot) error {
	public := r.listByVisibility(VisibilityPublic)
	cmds := make([]tele.Command, 0, len(public))
	for _, c := range public {
		cmds = append(cmds, tele.Command{
			Text:        strings.TrimPrefix(c.Name, "/"),
			Description: c.Description,
		})
	}
	if len(cmds) == 0 {
		return nil
	}
	if err := bot.SetCommands(cmds); err != nil {
		return errm.Wrap(err, "set bot commands")
	}
	r.log.Info("bot commands menu updated", "count", len(cmds))
	return nil
}

func normalizeCommand(name string) string {
	name = strings.TrimSpace(name)
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return name
}
