// Package botspot is a plugin layer for Telegram bots. It bundles the
// components a typical bot grows sooner or later: interactive questions with
// inline choices and timeouts, a commands menu, chat bindings, per-user
// message queues, user records, access lists, trial rate limits, an LLM
// provider and safe sending helpers. Components are configured through
// [Settings], enabled independently and share one bot connection.
package botspot

import (
	"context"
	"strings"
	"sync"

	"github.com/maxbolgarin/contem"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

const helpCommand = "/help_botspot"

// asyncWriteWorkers is the pool size for ordered async mongo writes.
const asyncWriteWorkers = 2

// Botspot owns the bot connection and all enabled components.
// Create it with [New], register handlers, call [Botspot.SetupDispatcher]
// and then [Botspot.Start].
type Botspot struct {
	bot *baseBot
	log Logger
	set Settings
	ctx contem.Context

	db     *MongoDB
	access *AccessControl
	asker  *Asker
	cmds   *CommandRegistry
	binder *ChatBinder
	queues *QueueManager
	users  *UserManager
	trial  *TrialGuard
	llm    *LLMProvider
	errh   *errorHandler
	safe   *SafeSender
	sched  *Scheduler

	mu               sync.Mutex
	dispatcherReady  bool
	textFallback     tele.HandlerFunc
	callbackFallback tele.HandlerFunc
}

// New creates a Botspot instance with all enabled components wired together.
// The context handles graceful shutdown: the bot, the database connection and
// the worker pools are closed when it finishes.
func New(ctx contem.Context, token string, optFuncs ...func(*Options)) (*Botspot, error) {
	var opts Options
	for _, f := range optFuncs {
		f(&opts)
	}
	opts, err := prepareOpts(opts)
	if err != nil {
		return nil, err
	}

	b := &Botspot{
		log: opts.Logger,
		set: opts.Settings,
		ctx: ctx,
	}

	b.bot, err = newBaseBot(token, opts)
	if err != nil {
		return nil, errm.Wrap(err, "new bot")
	}
	ctx.Add(func(context.Context) error {
		b.bot.stop()
		return nil
	})

	if b.needsMongo(opts) {
		b.db, err = NewMongo(ctx, b.set.Database)
		if err != nil {
			return nil, ErrConfig.Wrap(err, "connect to mongo")
		}
	}

	if err := b.buildComponents(ctx, opts); err != nil {
		return nil, err
	}

	// Route handler errors through the error handler instead of bare logging.
	b.bot.onError = b.errh.asTeleOnError()

	b.log.Info("botspot created",
		"ask_user", lang.Deref(b.set.AskUser.Enabled),
		"binder", b.set.Binder.Enabled,
		"queues", b.set.Queues.Enabled,
		"user_data", b.set.UserData.Enabled,
		"trial", b.set.Trial.Enabled,
		"llm", b.set.LLM.Enabled,
		"scheduler", b.set.Scheduler.Enabled,
		"mongo", b.db != nil)

	return b, nil
}

// needsMongo reports whether a database connection should be opened: some
// component hard-requires one, or a component with an in-memory fallback has
// an address configured and no injected storage.
func (b *Botspot) needsMongo(opts Options) bool {
	if b.set.needsMongo() {
		return true
	}
	if b.set.Database.Address == "" {
		return false
	}
	return (b.set.Binder.Enabled && opts.Bindings == nil) ||
		(b.set.UserData.Enabled && opts.Users == nil)
}

func (b *Botspot) buildComponents(ctx contem.Context, opts Options) (err error) {
	b.errh = newErrorHandler(b.bot, b.log, b.set.ErrorInfo)
	b.safe = newSafeSender(b.bot, b.log, b.set.SendSafe)

	b.access, err = newAccessControl(ctx, b.db, b.log, b.set.Access)
	if err != nil {
		return errm.Wrap(err, "new access control")
	}

	if lang.Deref(b.set.AskUser.Enabled) {
		b.asker = newAsker(b.bot, b.log, b.set.AskUser)
	}
	if lang.Deref(b.set.Commands.Enabled) {
		b.cmds = newCommandRegistry(b.log)
	}

	if b.set.Binder.Enabled {
		storage := opts.Bindings
		if storage == nil && b.db != nil {
			storage, err = newMongoBindingStorage(ctx, b.db, b.set.Binder.MongoCollection)
			if err != nil {
				return errm.Wrap(err, "new binding storage")
			}
		}
		if storage == nil {
			storage = newInMemoryBindingStorage()
			b.log.Warn("chat binder has no database, bindings are not persistent")
		}
		b.binder = newChatBinder(storage, b.log, b.set.Binder)
	}

	if b.set.Queues.Enabled {
		b.queues = newQueueManager(b.db, b.log, b.set.Queues)
	}

	if b.set.UserData.Enabled {
		storage := opts.Users
		if storage == nil && b.db != nil {
			coll := b.db.GetCollection(b.set.UserData.MongoCollection)
			async := NewAsyncCollection(ctx, coll, asyncWriteWorkers, b.log)
			storage, err = newMongoUserStorage(ctx, coll, async, b.log)
			if err != nil {
				return errm.Wrap(err, "new user storage")
			}
		}
		if storage == nil {
			storage, err = newInMemoryUserStorage(b.set.UserData.CacheCapacity, b.set.UserData.CacheTTL)
			if err != nil {
				return errm.Wrap(err, "new user storage")
			}
			b.log.Warn("user data has no database, user records are not persistent")
		}
		b.users, err = newUserManager(ctx, storage, b.access, b.log, b.set.UserData)
		if err != nil {
			return errm.Wrap(err, "new user manager")
		}
	}

	if b.set.Trial.Enabled {
		b.trial = newTrialGuard(b.access, b.log, b.set.Trial)
	}

	if b.set.LLM.Enabled {
		var usage *AsyncCollection
		if b.set.LLM.UsageCollection != "" {
			usage = NewAsyncCollection(ctx, b.db.GetCollection(b.set.LLM.UsageCollection), asyncWriteWorkers, b.log)
		}
		b.llm = newLLMProvider(b.access, usage, b.log, b.set.LLM)
	}

	if b.set.Scheduler.Enabled {
		b.sched, err = newScheduler(ctx, b.log, b.set.Scheduler)
		if err != nil {
			return errm.Wrap(err, "new scheduler")
		}
	}

	return nil
}

// SetupDispatcher registers the internal handlers: answer routing for asks,
// the help command, the chat binder commands and the Telegram commands menu.
// Call it after registering application handlers with [Botspot.Handle],
// [Botspot.HandleText] and [Botspot.HandleCallback]. Calling it twice is an
// error.
func (b *Botspot) SetupDispatcher() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dispatcherReady {
		return ErrConfig.New("dispatcher is already set up")
	}
	b.dispatcherReady = true

	b.bot.handle(tele.OnText, b.onText)
	b.bot.handle(tele.OnCallback, b.onCallback)

	if b.cmds != nil {
		if lang.Deref(b.set.Commands.AddHelpCommand) {
			b.cmds.Add(helpCommand, "show available commands", VisibilityHidden)
			b.bot.handle(helpCommand, b.wrap(b.onHelp))
		}
		if b.binder != nil {
			b.registerBinderCommands()
		}
		if err := b.cmds.SetBotCommands(b.bot.tbot); err != nil {
			b.log.Warn("set bot commands", "error", err)
		}
	}

	b.log.Debug("dispatcher is set up")
	return nil
}

// Start begins polling for updates. It returns immediately.
func (b *Botspot) Start() error {
	b.mu.Lock()
	ready := b.dispatcherReady
	b.mu.Unlock()
	if !ready {
		return ErrConfig.New("call SetupDispatcher before Start")
	}
	b.bot.start()
	return nil
}

// Stop stops polling. It is also called on context shutdown.
func (b *Botspot) Stop() {
	b.bot.stop()
}

// Handle registers an application handler for the endpoint, wrapped with
// panic recovery, user tracking, trial limits and error handling.
func (b *Botspot) Handle(endpoint any, handler tele.HandlerFunc) {
	b.bot.handle(endpoint, b.wrap(handler))
}

// AddCommand registers the handler and puts the command into the menu.
func (b *Botspot) AddCommand(name, description string, visibility Visibility, handler tele.HandlerFunc) {
	if b.cmds != nil {
		b.cmds.Add(name, description, visibility)
	}
	b.Handle(normalizeCommand(name), handler)
}

// HandleText sets the fallback for text messages not consumed by a pending ask.
func (b *Botspot) HandleText(handler tele.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.textFallback = b.wrap(handler)
}

// HandleCallback sets the fallback for callbacks not consumed by a pending ask.
func (b *Botspot) HandleCallback(handler tele.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbackFallback = b.wrap(handler)
}

// Asker returns the ask-user component, nil when disabled.
func (b *Botspot) Asker() *Asker { return b.asker }

// Commands returns the commands registry, nil when disabled.
func (b *Botspot) Commands() *CommandRegistry { return b.cmds }

// Binder returns the chat binder, nil when disabled.
func (b *Botspot) Binder() *ChatBinder { return b.binder }

// Queues returns the queue manager, nil when disabled.
func (b *Botspot) Queues() *QueueManager { return b.queues }

// Users returns the user manager, nil when disabled.
func (b *Botspot) Users() *UserManager { return b.users }

// Access returns the access control component.
func (b *Botspot) Access() *AccessControl { return b.access }

// Trial returns the trial guard, nil when disabled.
func (b *Botspot) Trial() *TrialGuard { return b.trial }

// LLM returns the LLM provider, nil when disabled.
func (b *Botspot) LLM() *LLMProvider { return b.llm }

// SafeSender returns the safe sending helpers.
func (b *Botspot) SafeSender() *SafeSender { return b.safe }

// Scheduler returns the event scheduler, nil when disabled.
func (b *Botspot) Scheduler() *Scheduler { return b.sched }

// DB returns the shared database connection, nil when no component needs one.
func (b *Botspot) DB() *MongoDB { return b.db }

func (b *Botspot) onText(c tele.Context) error {
	chatID := chatIDOf(c)
	defer func() {
		if r := recover(); r != nil {
			b.errh.handlePanic(r, chatID)
		}
	}()

	b.touchUser(c.Sender())

	// A pending ask gets the first shot at every text message.
	if b.asker != nil && b.asker.resolveText(chatID, c.Message()) {
		return nil
	}

	b.mu.Lock()
	fallback := b.textFallback
	b.mu.Unlock()
	if fallback != nil {
		return fallback(c)
	}
	return nil
}

func (b *Botspot) onCallback(c tele.Context) error {
	chatID := chatIDOf(c)
	defer func() {
		if r := recover(); r != nil {
			b.errh.handlePanic(r, chatID)
		}
	}()

	b.touchUser(c.Sender())

	data := strings.TrimPrefix(c.Callback().Data, "\f")
	if b.asker != nil {
		if handled, notice := b.asker.resolveChoice(chatID, data); handled {
			return c.Respond(&tele.CallbackResponse{Text: notice})
		}
	}

	b.mu.Lock()
	fallback := b.callbackFallback
	b.mu.Unlock()
	if fallback != nil {
		return fallback(c)
	}
	return c.Respond()
}

func (b *Botspot) onHelp(c tele.Context) error {
	isAdmin := b.access.RoleOfSender(c.Sender()) == RoleAdmin
	menu := b.cmds.FormatMenu(true, isAdmin)
	if menu == "" {
		menu = "No commands registered."
	}
	_, err := b.safe.Send(chatIDOf(c), menu)
	return err
}

func (b *Botspot) registerBinderCommands() {
	visibility := lang.If(b.set.Binder.CommandsVisible, VisibilityPublic, VisibilityHidden)
	b.cmds.Add("/bind_chat", "bind this chat to your user, optional key", visibility)
	b.cmds.Add("/unbind_chat", "remove a chat binding, optional key", visibility)
	b.cmds.Add("/list_chats", "list your chat bindings", visibility)

	b.bot.handle("/bind_chat", b.wrap(func(c tele.Context) error {
		bound, err := b.binder.Bind(requestCtx(b.ctx), c.Sender().ID, chatIDOf(c), c.Args()...)
		if err != nil {
			if errm.Is(err, ErrAlreadyBound) {
				return c.Send("This key is already bound to another chat. Unbind it first.")
			}
			return err
		}
		return c.Send("Chat bound with key '" + bound.Key + "'.")
	}))

	b.bot.handle("/unbind_chat", b.wrap(func(c tele.Context) error {
		if err := b.binder.Unbind(requestCtx(b.ctx), c.Sender().ID, c.Args()...); err != nil {
			if errm.Is(err, ErrNotFound) {
				return c.Send("No binding found for this key.")
			}
			return err
		}
		return c.Send("Chat unbound.")
	}))

	b.bot.handle("/list_chats", b.wrap(func(c tele.Context) error {
		chats, err := b.binder.UserBoundChats(requestCtx(b.ctx), c.Sender().ID)
		if err != nil {
			return err
		}
		if len(chats) == 0 {
			return c.Send("You have no bound chats.")
		}
		var sb strings.Builder
		sb.WriteString("Your bound chats:\n")
		for _, bc := range chats {
			sb.WriteString(bc.Key + " -> " + chatIDString(bc.ChatID) + "\n")
		}
		return c.Send(strings.TrimRight(sb.String(), "\n"))
	}))
}

// wrap adds panic recovery, user tracking, trial limiting and error routing
// around an application handler.
func (b *Botspot) wrap(handler tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		chatID := chatIDOf(c)
		defer func() {
			if r := recover(); r != nil {
				b.errh.handlePanic(r, chatID)
			}
		}()

		b.touchUser(c.Sender())

		if b.trial != nil && c.Sender() != nil {
			allowed, wait := b.trial.Allow(c.Sender().ID, c.Sender().Username)
			if !allowed {
				return c.Send("Rate limit reached. Try again in " + wait + ".")
			}
		}

		if err := handler(c); err != nil {
			b.errh.handle(err, chatID)
		}
		return nil
	}
}

func (b *Botspot) touchUser(u *tele.User) {
	if b.users == nil || u == nil {
		return
	}
	b.users.Touch(requestCtx(b.ctx), u)
}

func chatIDOf(c tele.Context) int64 {
	if c == nil || c.Chat() == nil {
		return 0
	}
	return c.Chat().ID
}

func chatIDString(chatID int64) string {
	return chatIDWrapper(chatID).Recipient()
}

// requestCtx returns a context for per-update work. The shutdown context is
// used when present so in-flight database calls stop with the bot.
func requestCtx(ctx contem.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
