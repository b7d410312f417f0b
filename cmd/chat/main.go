package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/MegaGrindStone/chatbase-ui/internal/chat"
	"github.com/MegaGrindStone/chatbase-ui/internal/models"
	"github.com/MegaGrindStone/chatbase-ui/internal/services"
	"github.com/fatih/color"
	"golang.org/x/term"
)

const historyPageSize = 20

var (
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
)

func main() {
	server := flag.String("server", "http://localhost:8081", "Hub server URL")
	chatBaseID := flag.Int64("chatbase", 0, "Chatbase id to talk to")
	sessionID := flag.String("session", "", "Session id for conversation continuity")
	appID := flag.String("app", "", "App id of the chatbase, to show its welcome message")
	language := flag.String("language", "en", "Language of the welcome message")
	username := flag.String("user", "", "Username to log in with")
	verbose := flag.Bool("v", false, "Log debug output to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *chatBaseID <= 0 {
		red.Fprintln(os.Stderr, "A chatbase id is required (-chatbase)")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	token, err := resolveToken(ctx, *server, *username, logger)
	if err != nil {
		red.Fprintf(os.Stderr, "Login failed: %v\n", err)
		os.Exit(1)
	}

	hub := services.NewClient(*server, services.StaticToken(token), logger)
	sess := chat.NewSession(hub, logger)
	defer sess.Close()

	cyan.Printf("Connected to %s, chatbase %d\n", *server, *chatBaseID)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	sc := models.SessionContext{ChatBaseID: *chatBaseID, SessionID: *sessionID}

	p := newPrinter(os.Stdout)
	unsubscribe := sess.Transcript().Subscribe(p.handle)
	defer unsubscribe()

	err = run(ctx, sess, p, &sc, *appID, *language, os.Stdin)
	if errors.Is(err, chat.ErrAuthRequired) {
		_ = os.Remove(tokenPath())
		red.Fprintln(os.Stderr, "\nYour session has expired. Log in again with -user.")
		os.Exit(1)
	}
	if err != nil {
		red.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(
	ctx context.Context,
	sess *chat.Session,
	p *printer,
	sc *models.SessionContext,
	appID, language string,
	in io.Reader,
) error {
	loadHistory := func() error {
		return p.replay(func() error {
			return sess.LoadHistory(ctx, *sc, 0, historyPageSize)
		})
	}

	if sc.SessionID != "" {
		if err := loadHistory(); err != nil {
			return fmt.Errorf("loading history: %w", err)
		}
	} else if appID != "" {
		welcome, err := sess.LoadWelcome(ctx, appID, language)
		if err != nil {
			return fmt.Errorf("loading welcome message: %w", err)
		}
		if welcome.SessionID != "" {
			sc.SessionID = welcome.SessionID
		}
	}

	scanner := bufio.NewScanner(in)
	for {
		if sc.SessionID != "" {
			fmt.Printf("[%s]> ", shortID(sc.SessionID))
		} else {
			fmt.Print("> ")
		}

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
				return
			}
			if err := scanner.Err(); err != nil {
				errCh <- err
				return
			}
			errCh <- io.EOF
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		switch strings.TrimSpace(input) {
		case "":
			continue
		case "/quit", "/exit", "/q":
			return nil
		case "/help":
			printHelp()
			continue
		case "/history":
			if sc.SessionID == "" {
				yellow.Println("No session yet, send a message first.")
				continue
			}
			// The stored history covers what is on screen, so it replaces the transcript.
			sess.Transcript().Clear()
			yellow.Println("History:")
			if err := loadHistory(); err != nil {
				if errors.Is(err, chat.ErrAuthRequired) {
					return err
				}
				red.Printf("Failed to load history: %v\n", err)
			}
			continue
		}

		if err := sess.SendMessage(ctx, *sc, input); err != nil {
			if errors.Is(err, chat.ErrAuthRequired) || errors.Is(err, context.Canceled) {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			red.Printf("Failed to send message: %v\n", err)
		}
	}
}

func printHelp() {
	yellow.Println("Commands:")
	fmt.Println("  /history   load the stored history of this session")
	fmt.Println("  /help      show this help")
	fmt.Println("  /quit      exit")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// resolveToken returns the bearer token to use. With a username it logs in, asking for the password
// when CHATBASE_PASSWORD is not set, and saves the token for later runs. Otherwise it uses the
// CHATBASE_TOKEN environment variable or the saved token.
func resolveToken(ctx context.Context, server, username string, logger *slog.Logger) (string, error) {
	if username == "" {
		if token := os.Getenv("CHATBASE_TOKEN"); token != "" {
			return token, nil
		}
		data, err := os.ReadFile(tokenPath())
		if err != nil {
			return "", nil
		}
		return strings.TrimSpace(string(data)), nil
	}

	password := os.Getenv("CHATBASE_PASSWORD")
	if password == "" {
		p, err := readPassword(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		password = p
	}

	token, err := services.NewClient(server, nil, logger).
		Login(ctx, services.Credentials{Username: username, Password: password})
	if err != nil {
		return "", err
	}

	path := tokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err == nil {
		if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
			logger.Warn("Failed to save token", slog.String("err", err.Error()))
		}
	}
	return token, nil
}

// readPassword prompts for a password without echoing it. Input that is not a terminal is read as a
// plain line.
func readPassword(in *os.File) (string, error) {
	fmt.Print("Password: ")
	if term.IsTerminal(int(in.Fd())) {
		b, err := term.ReadPassword(int(in.Fd()))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func tokenPath() string {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		cfgDir = "."
	}
	return filepath.Join(cfgDir, "chatbase-ui", "token")
}
