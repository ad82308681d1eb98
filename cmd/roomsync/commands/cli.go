package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/mscno/roomsync/pkg/directory"
	"github.com/mscno/roomsync/pkg/oskeyring"
)

const defaultEnvFile = ".env"

type cliCtx struct {
	context.Context
	Debug     bool
	Logger    *slog.Logger
	OSKeyring oskeyring.Service
	Stdout    io.Writer
	Stdin     io.Reader
	Version   string
	// DirectoryConn replaces the LDAP connection when set.
	DirectoryConn directory.Conn
}

// Globals are the flags shared by every command.
type Globals struct {
	Debug     bool   `help:"Enable debug logging." env:"ROOMSYNC_DEBUG"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"ROOMSYNC_LOG_FORMAT"`
	EnvFile   string `help:"Environment file loaded before parsing flags." default:".env" type:"path"`

	LDAP LDAPFlags `embed:"" prefix:"ldap-"`
	Chat ChatFlags `embed:"" prefix:"chat-"`
}

type LDAPFlags struct {
	URI         string        `help:"Directory URI." default:"ldap://localhost" env:"ROOMSYNC_LDAP_URI"`
	BindDN      string        `help:"Bind DN, anonymous when empty." env:"ROOMSYNC_LDAP_BIND_DN"`
	Password    string        `help:"Bind password." env:"ROOMSYNC_LDAP_PASSWORD"`
	Base        string        `help:"Base DN, e.g. dc=univ,dc=fr." env:"ROOMSYNC_LDAP_BASE"`
	IdleTimeout time.Duration `help:"Close the connection after this long without searches." default:"5s" env:"ROOMSYNC_LDAP_IDLE_TIMEOUT"`
}

type ChatFlags struct {
	URL         string  `help:"REST API root, e.g. https://chat.example.org/api." env:"ROOMSYNC_CHAT_URL"`
	RealtimeURL string  `help:"Realtime endpoint. Derived from the REST URL when empty." env:"ROOMSYNC_CHAT_REALTIME_URL"`
	UserID      string  `help:"Service account user id." env:"ROOMSYNC_CHAT_USER_ID"`
	Token       string  `help:"Service account token. Read from the OS keyring when empty." env:"ROOMSYNC_CHAT_TOKEN"`
	RateLimit   float64 `help:"Maximum REST calls per second." default:"10" env:"ROOMSYNC_CHAT_RATE_LIMIT"`
}

type cli struct {
	Globals `embed:""`

	SyncUsers SyncUsersCmd `cmd:"" help:"Synchronize every directory user matching an LDAP filter."`
	SyncUser  SyncUserCmd  `cmd:"" help:"Synchronize one user."`
	Listen    ListenCmd    `cmd:"" help:"Synchronize users as they come online."`
	Journal   JournalCmd   `cmd:"" help:"Inspect the sync journal."`
	Auth      AuthCmd      `cmd:"" help:"Manage the service account token."`
	Version   VersionCmd   `cmd:"" help:"Show version."`
}

func Execute(version string) {
	loadEnvFile(os.Args[1:])

	var cli cli
	ctx := kong.Parse(&cli,
		kong.UsageOnError(),
		kong.Name("roomsync"),
		kong.Description("roomsync keeps Rocket.Chat accounts and private rooms in line with an LDAP directory"),
		kong.Vars{"version": version},
		kong.Bind(&cli.Globals),
	)

	logger := newLogger(os.Stderr, cli.LogFormat, cli.Debug)
	slog.SetDefault(logger)

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := ctx.Run(&cliCtx{
		Context:   signalCtx,
		Debug:     cli.Debug,
		Logger:    logger,
		OSKeyring: oskeyring.NewSystemService(),
		Stdout:    os.Stdout,
		Stdin:     os.Stdin,
		Version:   version,
	})
	ctx.FatalIfErrorf(err)
}

// loadEnvFile loads the file named by --env-file, or .env when present.
// Variables already set in the environment win.
func loadEnvFile(args []string) {
	path, explicit := envFileArg(args)
	if path == "" {
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "roomsync: loading %s: %v\n", path, err)
		}
	}
}

func envFileArg(args []string) (string, bool) {
	for i, arg := range args {
		if value, ok := strings.CutPrefix(arg, "--env-file="); ok {
			return value, true
		}
		if arg == "--env-file" && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func newLogger(w io.Writer, format string, debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type VersionCmd struct{}

func (c *VersionCmd) Run(ctx *cliCtx) error {
	fmt.Fprintln(ctx.Stdout, ctx.Version)
	return nil
}
