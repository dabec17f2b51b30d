package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rusq/osenv/v2"
	"github.com/spf13/cobra"

	"github.com/support-and-care-labs/mail-mcp/filter"
	"github.com/support-and-care-labs/mail-mcp/model"
)

const (
	EnvDataPath   = "MAIL_MCP_DATA_PATH"
	EnvLists      = "MAIL_MCP_LISTS"
	EnvLogLevel   = "MAIL_MCP_LOG_LEVEL"
	EnvLogFormat  = "MAIL_MCP_LOG_FORMAT"
	EnvArchiveURL = "MAIL_MCP_ARCHIVE_URL"
	EnvDBPath     = "MAIL_MCP_DB_PATH"
	EnvIMAPPass   = "MAIL_MCP_IMAP_PASS"
	EnvJiraKeys   = "MAIL_MCP_JIRA_KEYS"

	DefaultDataPath = "data"
	DefaultList     = "dev@maven.apache.org"
	DefaultArchive  = "https://lists.apache.org/api/mbox.lua"

	IngestSQLite = "sqlite"
	IngestIMAP   = "imap"
	IngestNone   = "none"
)

// Config captures every option the subcommands need. Fields of commands
// that do not register the corresponding flags keep their defaults.
type Config struct {
	DataDir   string `validate:"required"`
	Lists     string `validate:"required"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`
	LogDir    string

	ArchiveURL string        `validate:"required,url"`
	Timeout    time.Duration `validate:"gt=0"`
	Retries    int           `validate:"gte=0,lte=10"`

	Ingest    string `validate:"oneof=sqlite imap none"`
	DBPath    string
	BatchSize int `validate:"gte=1"`
	// JiraKeys is a comma-separated set of JIRA project keys recognised as
	// issue references; empty means the built-in Maven set.
	JiraKeys string

	IMAP   IMAPConfig
	Filter filter.Options
}

type IMAPConfig struct {
	Host               string
	Port               int `validate:"gte=1,lte=65535"`
	User               string
	Pass               string
	UseTLS             bool
	InsecureSkipVerify bool
	FolderPrefix       string
	StateDir           string
	DryRun             bool
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadDotEnv loads a .env file from the working directory if there is one.
// It must run before flags are registered so the environment defaults see
// its values.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// RegisterGlobalFlags attaches logging and archive flags shared by every
// subcommand.
func RegisterGlobalFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("log-level", osenv.Value(EnvLogLevel, "info"), "Logging level: debug, info, warn, error (environment: "+EnvLogLevel+")")
	flags.String("log-format", osenv.Value(EnvLogFormat, "text"), "Log format: text or json (environment: "+EnvLogFormat+")")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.String("archive-url", osenv.Value(EnvArchiveURL, DefaultArchive), "Pony Mail mbox endpoint (environment: "+EnvArchiveURL+")")
	flags.Duration("timeout", 60*time.Second, "Timeout for a single archive download")
}

// RegisterListFlags attaches the list selection and data directory flags.
func RegisterListFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("list", "", "Mailing list address, defaults to the first configured list")
	flags.String("lists", osenv.Value(EnvLists, DefaultList), "Comma-separated configured list set (environment: "+EnvLists+")")
	flags.String("data-dir", osenv.Value(EnvDataPath, DefaultDataPath), "Directory receiving {list}/{YYYY-MM}.mbox files (environment: "+EnvDataPath+")")
}

// RegisterUpdateFlags attaches the flags of the update command.
func RegisterUpdateFlags(cmd *cobra.Command) {
	RegisterListFlags(cmd)
	flags := cmd.Flags()
	flags.Bool("all", false, "Update every configured list")
	flags.Int("retries", 0, "Extra attempts for a fetch that failed with an upstream error")
	RegisterIngestFlags(cmd)
}

// RegisterIngestFlags attaches the ingest backend flags shared by update and
// index.
func RegisterIngestFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("ingest", IngestSQLite, "Ingest backend: sqlite, imap or none")
	flags.String("db", osenv.Value(EnvDBPath, ""), "SQLite database path, defaults to {data-dir}/mail.db (environment: "+EnvDBPath+")")
	flags.Int("batch-size", 100, "Messages stored per batch")
	flags.String("jira-keys", osenv.Value(EnvJiraKeys, ""), "Comma-separated JIRA project keys to extract references for (environment: "+EnvJiraKeys+")")

	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", osenv.Secret(EnvIMAPPass, ""), "IMAP password (environment: "+EnvIMAPPass+")")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("imap-folder-prefix", "Archives", "Parent IMAP folder, lists are stored in {prefix}/{list}")
	flags.String("state-dir", "", "Directory for IMAP upload state, defaults to {data-dir}/state")
	flags.Bool("dry-run", false, "Record IMAP uploads without performing them")

	RegisterFilterFlags(cmd)
}

// RegisterFilterFlags attaches the include/exclude regex flags.
func RegisterFilterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
}

// Default returns the configuration used when no flag overrides a value.
func Default() Config {
	return Config{
		DataDir:    DefaultDataPath,
		Lists:      DefaultList,
		LogLevel:   "info",
		LogFormat:  "text",
		ArchiveURL: DefaultArchive,
		Timeout:    60 * time.Second,
		Ingest:     IngestSQLite,
		BatchSize:  100,
		IMAP:       IMAPConfig{Port: 993, UseTLS: true, FolderPrefix: "Archives"},
	}
}

// LoadConfig converts the parsed Cobra flags into a validated Config.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	cfg := Default()
	l := loader{cmd: cmd}

	l.str("log-level", &cfg.LogLevel)
	l.str("log-format", &cfg.LogFormat)
	l.str("log-dir", &cfg.LogDir)
	l.str("archive-url", &cfg.ArchiveURL)
	l.duration("timeout", &cfg.Timeout)

	l.str("lists", &cfg.Lists)
	l.str("data-dir", &cfg.DataDir)
	l.integer("retries", &cfg.Retries)

	l.str("ingest", &cfg.Ingest)
	l.str("db", &cfg.DBPath)
	l.integer("batch-size", &cfg.BatchSize)
	l.str("jira-keys", &cfg.JiraKeys)

	l.str("imap-host", &cfg.IMAP.Host)
	l.integer("imap-port", &cfg.IMAP.Port)
	l.str("imap-user", &cfg.IMAP.User)
	l.str("imap-pass", &cfg.IMAP.Pass)
	l.boolean("use-tls", &cfg.IMAP.UseTLS)
	l.boolean("insecure-skip-verify", &cfg.IMAP.InsecureSkipVerify)
	l.str("imap-folder-prefix", &cfg.IMAP.FolderPrefix)
	l.str("state-dir", &cfg.IMAP.StateDir)
	l.boolean("dry-run", &cfg.IMAP.DryRun)

	l.strings("include-header", &cfg.Filter.IncludeHeader)
	l.strings("include-body", &cfg.Filter.IncludeBody)
	l.strings("exclude-header", &cfg.Filter.ExcludeHeader)
	l.strings("exclude-body", &cfg.Filter.ExcludeBody)

	if l.err != nil {
		return Config{}, l.err
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
	c.LogFormat = strings.ToLower(c.LogFormat)
	c.Ingest = strings.ToLower(c.Ingest)
	c.DataDir = filepath.Clean(c.DataDir)
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "mail.db")
	}
	if c.IMAP.StateDir == "" {
		c.IMAP.StateDir = filepath.Join(c.DataDir, "state")
	}
}

// Validate checks field constraints and the cross-field rules the struct tags
// cannot express. Errors wrap model.ErrInvalidArgument.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var vErr validator.ValidationErrors
		if errors.As(err, &vErr) {
			msgs := make([]string, 0, len(vErr))
			for _, fe := range vErr {
				msgs = append(msgs, fmt.Sprintf("%s: invalid value %q (%s)", fe.Namespace(), fmt.Sprint(fe.Value()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", model.ErrInvalidArgument, strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Filter.Active() {
		includeActive := len(c.Filter.IncludeHeader) > 0 || len(c.Filter.IncludeBody) > 0
		excludeActive := len(c.Filter.ExcludeHeader) > 0 || len(c.Filter.ExcludeBody) > 0
		if includeActive && excludeActive {
			return fmt.Errorf("%w: include and exclude flags are mutually exclusive", model.ErrInvalidArgument)
		}
	}
	if c.Ingest == IngestIMAP && !c.IMAP.DryRun {
		if c.IMAP.Host == "" {
			return fmt.Errorf("%w: --imap-host is required for --ingest imap", model.ErrInvalidArgument)
		}
		if c.IMAP.User == "" {
			return fmt.Errorf("%w: --imap-user is required for --ingest imap", model.ErrInvalidArgument)
		}
		if c.IMAP.Pass == "" {
			return fmt.Errorf("%w: IMAP password must be provided via --imap-pass or %s", model.ErrInvalidArgument, EnvIMAPPass)
		}
	}
	return nil
}

// JiraKeyList splits JiraKeys, dropping blanks.
func (c Config) JiraKeyList() []string {
	var keys []string
	for _, k := range strings.Split(c.JiraKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// ResolveLists picks the lists an update run covers: the whole configured
// set with all, the explicit list when given, otherwise the first configured
// list. An unresolvable set, or one where two lists share a local part, is
// an ErrInvalidArgument.
func (c Config) ResolveLists(all bool, list string) ([]model.MailList, error) {
	if all && strings.TrimSpace(list) != "" {
		return nil, fmt.Errorf("%w: --all and --list are mutually exclusive", model.ErrInvalidArgument)
	}
	if strings.TrimSpace(list) != "" {
		l, err := model.ParseMailList(list)
		if err != nil {
			return nil, err
		}
		return []model.MailList{l}, nil
	}
	lists, err := model.ParseMailLists(c.Lists)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", EnvLists, err)
	}
	if !all {
		return lists[:1], nil
	}
	byLocal := make(map[string]model.MailList, len(lists))
	for _, l := range lists {
		if prev, ok := byLocal[l.LocalPart()]; ok {
			return nil, fmt.Errorf("%w: %s and %s would share the archive directory %q", model.ErrInvalidArgument, prev, l, l.LocalPart())
		}
		byLocal[l.LocalPart()] = l
	}
	return lists, nil
}

type loader struct {
	cmd *cobra.Command
	err error
}

func (l *loader) has(name string) bool {
	return l.err == nil && l.cmd.Flags().Lookup(name) != nil
}

func (l *loader) str(name string, dst *string) {
	if !l.has(name) {
		return
	}
	*dst, l.err = l.cmd.Flags().GetString(name)
}

func (l *loader) strings(name string, dst *[]string) {
	if !l.has(name) {
		return
	}
	*dst, l.err = l.cmd.Flags().GetStringArray(name)
}

func (l *loader) integer(name string, dst *int) {
	if !l.has(name) {
		return
	}
	*dst, l.err = l.cmd.Flags().GetInt(name)
}

func (l *loader) boolean(name string, dst *bool) {
	if !l.has(name) {
		return
	}
	*dst, l.err = l.cmd.Flags().GetBool(name)
}

func (l *loader) duration(name string, dst *time.Duration) {
	if !l.has(name) {
		return
	}
	*dst, l.err = l.cmd.Flags().GetDuration(name)
}
