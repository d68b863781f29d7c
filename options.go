package botspot

import (
	"log/slog"
	"os"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

// Logger is an interface for logging messages.
type Logger interface {
	Debug(string, ...any)
	Info(string, ...any)
	Warn(string, ...any)
	Error(string, ...any)
}

// Options contains botspot additional options.
type Options struct {
	// Settings contains component configuration. It is optional and has
	// default values for all fields. You also can set values using
	// environment variables.
	Settings Settings

	// Logger is a logger. It uses slog logger by default if
	// EnableLogging == true (by default).
	Logger Logger

	// Poller is a poller for the bot. It uses default long poller by default.
	// You should implement it in your application if you want to use custom
	// poller (e.g. for testing).
	Poller tele.Poller

	// Bindings is a storage for chat bindings. Without it a mongo-backed
	// storage is used when a database address is configured, an in-memory
	// one otherwise.
	Bindings BindingStorage

	// Users is a storage for user records. Without it a mongo-backed storage
	// is used when a database address is configured, an in-memory one
	// otherwise.
	Users UserStorage
}

// WithSettings returns an option that sets the component settings.
func WithSettings(s Settings) func(opts *Options) {
	return func(opts *Options) {
		opts.Settings = s
	}
}

// WithLogger returns an option that sets the logger.
func WithLogger(logger Logger) func(opts *Options) {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithBindingStorage returns an option that sets the chat binding storage.
func WithBindingStorage(db BindingStorage) func(opts *Options) {
	return func(opts *Options) {
		opts.Bindings = db
	}
}

// WithUserStorage returns an option that sets the user record storage.
func WithUserStorage(db UserStorage) func(opts *Options) {
	return func(opts *Options) {
		opts.Users = db
	}
}

// WithTestMode returns an option that sets the test mode.
// If poller is provided, it will be used instead of the default poller.
func WithTestMode(poller ...tele.Poller) func(opts *Options) {
	return func(opts *Options) {
		if len(poller) > 0 {
			opts.Poller = poller[0]
		}
		opts.Settings.TestMode = true
	}
}

func prepareOpts(opts Options) (Options, error) {
	if err := opts.Settings.prepareAndValidate(); err != nil {
		return opts, errm.Wrap(err, "prepare and validate settings")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: lang.If(opts.Settings.Debug, slog.LevelDebug, slog.LevelInfo),
		}))
	}
	if !*opts.Settings.EnableLogging {
		opts.Logger = noopLogger{}
	}
	return opts, nil
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, fields ...any) {}
func (noopLogger) Info(msg string, fields ...any)  {}
func (noopLogger) Warn(msg string, fields ...any)  {}
func (noopLogger) Error(msg string, fields ...any) {}
