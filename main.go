package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/go-authgate/session-keeper/authapi"
	"github.com/go-authgate/session-keeper/keeper"
	"github.com/go-authgate/session-keeper/store"
	"github.com/go-authgate/session-keeper/tui"
)

var version = "dev"

// Globals are the settings shared by every command. Priority: flag > env > default.
type Globals struct {
	ServerURL     string        `help:"Auth server URL." env:"SERVER_URL" default:"http://localhost:8080"`
	SessionKey    string        `help:"Key the session is stored under." env:"SESSION_KEY" default:"default"`
	TokenFile     string        `help:"Session storage file, used when no Redis address is set." env:"TOKEN_FILE" default:".session-keeper.json"`
	RedisAddr     string        `help:"Store sessions in Redis at this address." env:"REDIS_ADDR"`
	RedisPassword string        `help:"Redis password." env:"REDIS_PASSWORD"`
	RedisDB       int           `help:"Redis database number." env:"REDIS_DB" default:"0"`
	SessionTTL    time.Duration `help:"How long a stored session lives without being rewritten." env:"SESSION_TTL" default:"168h"`
	MetricsAddr   string        `help:"Serve Prometheus metrics on this address (run only)." env:"METRICS_ADDR"`
	Debug         bool          `help:"Enable debug logging (disables the interactive display)." env:"DEBUG"`
}

// runHelp is shown for the run command. Keepers in separate processes do not
// watch the shared store.
const runHelp = "Keep the stored session alive until interrupted (default). " +
	"A logout from another process is only noticed once the server rejects the refresh token."

var cli struct {
	Globals

	Run     RunCmd           `cmd:"" default:"1" help:"${run_help}"`
	Login   LoginCmd         `cmd:"" help:"Sign in and store a new session."`
	Status  StatusCmd        `cmd:"" help:"Show the stored session and its refresh schedule."`
	Logout  LogoutCmd        `cmd:"" help:"Revoke and remove the stored session."`
	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx := kong.Parse(&cli,
		kong.Name("session-keeper"),
		kong.Description("Keeps a signed-in session alive by refreshing its access token ahead of expiry."),
		kong.UsageOnError(),
		kong.Vars{"version": version, "run_help": runHelp},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	err := kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}

// validate checks the settings and warns about plaintext transport.
func (g *Globals) validate() error {
	if err := validateServerURL(g.ServerURL); err != nil {
		return fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	if g.SessionKey == "" {
		return errors.New("session key cannot be empty")
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(g.ServerURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}
	return nil
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// logger writes human-readable logs to stderr. Without --debug only warnings
// and errors are shown.
func (g *Globals) logger() zerolog.Logger {
	level := zerolog.WarnLevel
	if g.Debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// openStore picks Redis when an address is configured and the session file otherwise.
func (g *Globals) openStore(logger zerolog.Logger) (keeper.Store, func(), error) {
	if g.RedisAddr != "" {
		s, err := store.NewRedisStore(store.RedisConfig{
			Addr:     g.RedisAddr,
			Password: g.RedisPassword,
			DB:       g.RedisDB,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return store.NewFileStore(g.TokenFile, store.WithFileLogger(logger)), func() {}, nil
}

// env bundles what every command builds from Globals.
type env struct {
	key    string
	logger zerolog.Logger
	holder *keeper.Holder
	api    *authapi.Client
	close  func()
}

func (g *Globals) setup() (*env, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}

	logger := g.logger()
	st, closeStore, err := g.openStore(logger)
	if err != nil {
		return nil, err
	}

	api, err := authapi.New(g.ServerURL, authapi.WithLogger(logger))
	if err != nil {
		closeStore()
		return nil, err
	}

	holder := keeper.NewHolder(st, g.SessionKey,
		keeper.WithSessionTTL(g.SessionTTL),
		keeper.WithHolderLogger(logger),
	)

	return &env{key: g.SessionKey, logger: logger, holder: holder, api: api, close: closeStore}, nil
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// withDisplayer runs fn with the interactive display on a terminal and plain
// output otherwise. Debug logging always gets plain output so log lines do
// not tear the display.
func (g *Globals) withDisplayer(fn func(d tui.Displayer) error) error {
	if !isTTY() || g.Debug {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		err := fn(d)
		if err != nil && !alreadyShown(err) {
			d.Fatal(err)
		}
		return err
	}

	// Run TUI program on stderr so stdout pipes are not corrupted
	m := tui.NewModel()
	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		}
	}()

	d := tui.NewProgramDisplayer(p)
	d.Banner()
	err := fn(d)
	if err != nil && !alreadyShown(err) {
		d.Fatal(err)
	}
	p.Quit() // let BubbleTea drain terminal query responses before exiting
	wg.Wait()
	return err
}

// alreadyShown reports errors the displayer has been told about through a
// dedicated event.
func alreadyShown(err error) bool {
	return errors.Is(err, keeper.ErrNoSession) || errors.Is(err, errSessionEnded)
}
