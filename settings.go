package botspot

import (
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
)

// Settings aggregates per-component configuration. Every component reads its
// own section, filled from environment variables with a BOTSPOT_<COMPONENT>_
// prefix or from a config file. Build it once at startup and pass it to [New],
// components never read the environment at call time.
type Settings struct {
	AskUser   AskUserSettings   `yaml:"ask_user" json:"ask_user" envPrefix:"BOTSPOT_ASK_USER_"`
	Commands  CommandsSettings  `yaml:"bot_commands_menu" json:"bot_commands_menu" envPrefix:"BOTSPOT_BOT_COMMANDS_MENU_"`
	Binder    BinderSettings    `yaml:"chat_binder" json:"chat_binder" envPrefix:"BOTSPOT_CHAT_BINDER_"`
	Queues    QueueSettings     `yaml:"queue_manager" json:"queue_manager" envPrefix:"BOTSPOT_QUEUE_MANAGER_"`
	UserData  UserDataSettings  `yaml:"user_data" json:"user_data" envPrefix:"BOTSPOT_USER_DATA_"`
	Access    AccessSettings    `yaml:"access" json:"access" envPrefix:"BOTSPOT_"`
	Trial     TrialSettings     `yaml:"trial_mode" json:"trial_mode" envPrefix:"BOTSPOT_TRIAL_MODE_"`
	LLM       LLMSettings       `yaml:"llm_provider" json:"llm_provider" envPrefix:"BOTSPOT_LLM_PROVIDER_"`
	ErrorInfo ErrHandleSettings `yaml:"error_handler" json:"error_handler" envPrefix:"BOTSPOT_ERROR_HANDLER_"`
	SendSafe  SendSafeSettings  `yaml:"send_safe" json:"send_safe" envPrefix:"BOTSPOT_SEND_SAFE_"`
	Scheduler SchedulerSettings `yaml:"scheduler" json:"scheduler" envPrefix:"BOTSPOT_SCHEDULER_"`
	Database  DatabaseSettings  `yaml:"database" json:"database" envPrefix:"BOTSPOT_DB_"`

	// LPTimeout is the long polling timeout.
	// Default: 15 seconds.
	LPTimeout time.Duration `yaml:"lp_timeout" json:"lp_timeout" env:"BOTSPOT_LP_TIMEOUT"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug" json:"debug" env:"BOTSPOT_DEBUG"`

	// TestMode sets the bot offline and enables debug logging.
	TestMode bool `yaml:"test_mode" json:"test_mode" env:"BOTSPOT_TEST_MODE"`

	// EnableLogging enables component activity logging.
	// Default: true.
	EnableLogging *bool `yaml:"enable_logging" json:"enable_logging" env:"BOTSPOT_ENABLE_LOGGING"`
}

// AskUserSettings configures the interactive ask-user component.
type AskUserSettings struct {
	// Enabled turns the component on.
	// Default: true.
	Enabled *bool `yaml:"enabled" json:"enabled" env:"ENABLED"`

	// DefaultTimeout is the time to wait for an answer when a call does not
	// override it. Zero means wait forever.
	// Default: 20 minutes.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout" env:"DEFAULT_TIMEOUT"`

	// NotifyOnTimeout controls editing the prompt with a timeout notice.
	// Default: true.
	NotifyOnTimeout *bool `yaml:"notify_on_timeout" json:"notify_on_timeout" env:"NOTIFY_ON_TIMEOUT"`
}

// CommandsSettings configures the bot commands menu component.
type CommandsSettings struct {
	Enabled *bool `yaml:"enabled" json:"enabled" env:"ENABLED"`

	// AddHelpCommand registers a /help_botspot handler that prints the menu.
	// Default: true.
	AddHelpCommand *bool `yaml:"add_help_command" json:"add_help_command" env:"ADD_HELP_COMMAND"`
}

// BinderSettings configures the chat binder component.
type BinderSettings struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`

	// MongoCollection is the collection for bindings.
	// Default: "chat_binder".
	MongoCollection string `yaml:"mongo_collection" json:"mongo_collection" env:"MONGO_COLLECTION"`

	// RebindMode controls behavior when a key is already bound: "replace",
	// "error" or "ignore".
	// Default: "error".
	RebindMode RebindMode `yaml:"rebind_mode" json:"rebind_mode" env:"REBIND_MODE"`

	// CommandsVisible makes /bind_chat and friends show up in the public menu.
	CommandsVisible bool `yaml:"commands_visible" json:"commands_visible" env:"COMMANDS_VISIBLE"`
}

// QueueSettings configures the queue manager component.
type QueueSettings struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`

	// CollectionPrefix prefixes every queue collection name.
	// Default: "queue_".
	CollectionPrefix string `yaml:"collection_prefix" json:"collection_prefix" env:"COLLECTION_PREFIX"`
}

// UserDataSettings configures the user data component.
type UserDataSettings struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`

	// MongoCollection is the collection for user records.
	// Default: "botspot_users".
	MongoCollection string `yaml:"mongo_collection" json:"mongo_collection" env:"MONGO_COLLECTION"`

	// CacheCapacity is the capacity of the user record cache.
	// Default: 10000.
	CacheCapacity int `yaml:"cache_capacity" json:"cache_capacity" env:"CACHE_CAPACITY"`

	// CacheTTL is the TTL of the user record cache.
	// Default: 24 hours.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl" env:"CACHE_TTL"`
}

// AccessSettings configures admin and friend lists.
type AccessSettings struct {
	// AdminsStr is a comma-separated list of admins: IDs, @usernames or +phones.
	AdminsStr string `yaml:"admins_str" json:"admins_str" env:"ADMINS_STR"`

	// FriendsStr is a comma-separated list of friends.
	FriendsStr string `yaml:"friends_str" json:"friends_str" env:"FRIENDS_STR"`

	// MongoCollection is an optional collection that overrides the env lists.
	MongoCollection string `yaml:"mongo_collection" json:"mongo_collection" env:"ACCESS_MONGO_COLLECTION"`
}

// TrialSettings configures per-user and global rate limits.
type TrialSettings struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`

	// UserLimit is the number of requests one user may make per UserPeriod.
	// Default: 10.
	UserLimit int `yaml:"user_limit" json:"user_limit" env:"USER_LIMIT"`

	// UserPeriod is the sliding window for UserLimit.
	// Default: 24 hours.
	UserPeriod time.Duration `yaml:"user_period" json:"user_period" env:"USER_PERIOD"`

	// GlobalLimit is the number of requests all users may make per GlobalPeriod.
	// Zero disables the global limit.
	GlobalLimit int `yaml:"global_limit" json:"global_limit" env:"GLOBAL_LIMIT"`

	// GlobalPeriod is the sliding window for GlobalLimit.
	// Default: 1 hour.
	GlobalPeriod time.Duration `yaml:"global_period" json:"global_period" env:"GLOBAL_PERIOD"`
}

// LLMAllowMode controls who may query the LLM provider.
type LLMAllowMode string

const (
	LLMAllowAdmins  LLMAllowMode = "admins"
	LLMAllowFriends LLMAllowMode = "friends"
	LLMAllowAll     LLMAllowMode = "all"
)

// LLMSettings configures the LLM provider component.
type LLMSettings struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`

	// APIKey is the OpenAI API key.
	APIKey string `yaml:"api_key" json:"api_key" env:"API_KEY"`

	// DefaultModel is the model used when a call does not override it.
	// Default: "gpt-4o-mini".
	DefaultModel string `yaml:"default_model" json:"default_model" env:"DEFAULT_MODEL"`

	// DefaultTemperature is the sampling temperature.
	// Default: 0.7.
	DefaultTemperature float64 `yaml:"default_temperature" json:"default_temperature" env:"DEFAULT_TEMPERATURE"`

	// DefaultMaxTokens caps the completion length. Zero means provider default.
	DefaultMaxTokens int64 `yaml:"default_max_tokens" json:"default_max_tokens" env:"DEFAULT_MAX_TOKENS"`

	// AllowMode controls who may query: "admins", "friends" or "all".
	// Default: "friends".
	AllowMode LLMAllowMode `yaml:"allow_mode" json:"allow_mode" env:"ALLOW_MODE"`

	// AllowedUsers are extra users allowed regardless of AllowMode.
	AllowedUsers []string `yaml:"allowed_users" json:"allowed_users" env:"ALLOWED_USERS" envSeparator:","`

	// UsageCollection is an optional collection for persisting usage stats.
	UsageCollection string `yaml:"usage_collection" json:"usage_collection" env:"USAGE_COLLECTION"`
}

// ErrHandleSettings configures the error handler component.
type ErrHandleSettings struct {
	Enabled *bool `yaml:"enabled" json:"enabled" env:"ENABLED"`

	// DeveloperChatID receives error reports when non-zero.
	DeveloperChatID int64 `yaml:"developer_chat_id" json:"developer_chat_id" env:"DEVELOPER_CHAT_ID"`

	// EasterEggs appends a random consolation to the user error message.
	EasterEggs bool `yaml:"easter_eggs" json:"easter_eggs" env:"EASTER_EGGS"`
}

// SendSafeSettings configures the safe sending helpers.
type SendSafeSettings struct {
	// SendLongAsFile sends texts over the Telegram limit as a document
	// instead of splitting them into several messages.
	SendLongAsFile bool `yaml:"send_long_messages_as_files" json:"send_long_messages_as_files" env:"SEND_LONG_MESSAGES_AS_FILES"`

	// EscapeMarkdown escapes special characters before sending.
	EscapeMarkdown bool `yaml:"escape_markdown" json:"escape_markdown" env:"ESCAPE_MARKDOWN"`
}

// SchedulerSettings configures the event scheduler component.
type SchedulerSettings struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`

	// Workers is the size of the pool executing due events.
	// Default: 4.
	Workers int `yaml:"workers" json:"workers" env:"WORKERS"`
}

// DatabaseSettings configures the MongoDB connection shared by components.
type DatabaseSettings struct {
	// Address is the MongoDB address in ip:port format.
	Address string `yaml:"address" json:"address" env:"ADDRESS"`

	// Name is the database name.
	// Default: "botspot".
	Name string `yaml:"name" json:"name" env:"NAME"`

	// Username is the MongoDB username.
	Username string `yaml:"username" json:"username" env:"USERNAME"`

	// Password is the MongoDB password.
	Password string `yaml:"password" json:"password" env:"PASSWORD"`
}

// ReadSettings reads settings from a yaml or json file and then applies
// environment variables on top of it.
func ReadSettings(path string) (Settings, error) {
	var s Settings
	if err := cleanenv.ReadConfig(path, &s); err != nil {
		return s, errm.Wrap(err, "read config file")
	}
	if err := s.prepareAndValidate(); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Settings) prepareAndValidate() error {
	if err := env.Parse(s); err != nil {
		return errm.Wrap(err, "parse env")
	}

	s.LPTimeout = lang.Check(s.LPTimeout, 15*time.Second)
	s.Debug = lang.Check(s.Debug, s.TestMode)
	s.EnableLogging = lang.Ptr(lang.CheckPtr(s.EnableLogging, true))

	s.AskUser.Enabled = lang.Ptr(lang.CheckPtr(s.AskUser.Enabled, true))
	s.AskUser.DefaultTimeout = lang.Check(s.AskUser.DefaultTimeout, 20*time.Minute)
	s.AskUser.NotifyOnTimeout = lang.Ptr(lang.CheckPtr(s.AskUser.NotifyOnTimeout, true))

	s.Commands.Enabled = lang.Ptr(lang.CheckPtr(s.Commands.Enabled, true))
	s.Commands.AddHelpCommand = lang.Ptr(lang.CheckPtr(s.Commands.AddHelpCommand, true))

	s.Binder.MongoCollection = lang.Check(s.Binder.MongoCollection, "chat_binder")
	s.Binder.RebindMode = lang.Check(s.Binder.RebindMode, RebindError)

	s.Queues.CollectionPrefix = lang.Check(s.Queues.CollectionPrefix, "queue_")

	s.UserData.MongoCollection = lang.Check(s.UserData.MongoCollection, "botspot_users")
	s.UserData.CacheCapacity = lang.Check(s.UserData.CacheCapacity, 10000)
	s.UserData.CacheTTL = lang.Check(s.UserData.CacheTTL, 24*time.Hour)

	s.Trial.UserLimit = lang.Check(s.Trial.UserLimit, 10)
	s.Trial.UserPeriod = lang.Check(s.Trial.UserPeriod, 24*time.Hour)
	s.Trial.GlobalPeriod = lang.Check(s.Trial.GlobalPeriod, time.Hour)

	s.LLM.DefaultModel = lang.Check(s.LLM.DefaultModel, "gpt-4o-mini")
	s.LLM.DefaultTemperature = lang.Check(s.LLM.DefaultTemperature, 0.7)
	s.LLM.AllowMode = lang.Check(s.LLM.AllowMode, LLMAllowFriends)

	s.ErrorInfo.Enabled = lang.Ptr(lang.CheckPtr(s.ErrorInfo.Enabled, true))

	s.Scheduler.Workers = lang.Check(s.Scheduler.Workers, 4)

	s.Database.Name = lang.Check(s.Database.Name, "botspot")

	return s.validate()
}

func (s *Settings) validate() error {
	if err := validation.ValidateStruct(&s.AskUser,
		validation.Field(&s.AskUser.DefaultTimeout, validation.Min(time.Duration(0))),
	); err != nil {
		return errm.Wrap(err, "ask_user")
	}

	if err := validation.ValidateStruct(&s.Binder,
		validation.Field(&s.Binder.RebindMode, validation.In(RebindReplace, RebindError, RebindIgnore)),
	); err != nil {
		return errm.Wrap(err, "chat_binder")
	}

	if err := validation.ValidateStruct(&s.Trial,
		validation.Field(&s.Trial.UserLimit, validation.Required.When(s.Trial.Enabled), validation.When(s.Trial.Enabled, validation.Min(1))),
		validation.Field(&s.Trial.UserPeriod, validation.Required.When(s.Trial.Enabled)),
	); err != nil {
		return errm.Wrap(err, "trial_mode")
	}

	if err := validation.ValidateStruct(&s.LLM,
		validation.Field(&s.LLM.APIKey, validation.Required.When(s.LLM.Enabled)),
		validation.Field(&s.LLM.AllowMode, validation.In(LLMAllowAdmins, LLMAllowFriends, LLMAllowAll)),
	); err != nil {
		return errm.Wrap(err, "llm_provider")
	}

	if err := validation.ValidateStruct(&s.Database,
		validation.Field(&s.Database.Address, validation.Required.When(s.needsMongo())),
		validation.Field(&s.Database.Username, validation.Required.When(len(s.Database.Password) > 0)),
		validation.Field(&s.Database.Password, validation.Required.When(len(s.Database.Username) > 0)),
	); err != nil {
		return errm.Wrap(err, "database")
	}

	return nil
}

// needsMongo reports whether any enabled component requires a database
// connection. The chat binder and user data are not listed: without a database
// address or an injected storage they fall back to in-memory storages.
func (s *Settings) needsMongo() bool {
	return s.Queues.Enabled || s.Access.MongoCollection != "" || s.LLM.UsageCollection != ""
}
