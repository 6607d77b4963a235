package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/halcyonlabs/engram/internal/archive"
	"github.com/halcyonlabs/engram/internal/config"
	"github.com/halcyonlabs/engram/internal/llm"
	"github.com/halcyonlabs/engram/internal/maintenance"
	"github.com/halcyonlabs/engram/internal/orchestrator"
	"github.com/halcyonlabs/engram/internal/store"
	"github.com/halcyonlabs/engram/internal/window"
)

// Responder is the conversational surface the chat command talks to,
// injectable for tests.
type Responder interface {
	Respond(ctx context.Context, sessionID, userID, userText string) (*orchestrator.Result, error)
}

// app wires the full subsystem: generation client, episodic archive,
// session registry, orchestrator and scheduled maintenance.
type app struct {
	cfg     *config.Config
	arch    *archive.Archive
	windows *window.Manager
	orch    *orchestrator.Orchestrator
	upkeep  *maintenance.Service
}

func buildApp(cfg *config.Config) (*app, error) {
	client := llm.NewClient(cfg)

	dbPath := cfg.Archive.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.DataDir, "archive.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	arch, err := archive.New(dbPath, client)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	windows := window.NewManager(cfg.Window,
		arch,
		store.NewSessionStore(cfg.DataDir),
		store.NewFactStore(cfg.DataDir),
		client)

	idle, err := time.ParseDuration(cfg.Window.IdleTimeout)
	if err != nil {
		idle = 30 * time.Minute
	}

	return &app{
		cfg:     cfg,
		arch:    arch,
		windows: windows,
		orch:    orchestrator.New(cfg, client, windows, arch),
		upkeep:  maintenance.NewService(windows, arch, idle),
	}, nil
}

func (a *app) Close() {
	if a.upkeep != nil {
		a.upkeep.Stop()
	}
	_ = a.arch.Close()
}

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "engram - conversational memory for an AI assistant",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant (single message or REPL)",
	RunE:  runChat,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and archive status",
	RunE:  runStatus,
}

var factsCmd = &cobra.Command{
	Use:   "facts",
	Short: "Manage remembered user facts",
}

var factsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remembered facts",
	RunE:  runFactsList,
}

var factsRememberCmd = &cobra.Command{
	Use:   "remember <fact>",
	Short: "Remember a fact about the user",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFactsRemember,
}

var factsForgetCmd = &cobra.Command{
	Use:   "forget <pattern>",
	Short: "Forget every fact matching the pattern",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFactsForget,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the default config file",
	RunE:  runConfigInit,
}

var (
	sessionFlag string
	userFlag    string
	messageFlag string
)

func init() {
	chatCmd.Flags().StringVar(&sessionFlag, "session", "default", "Session id")
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "default", "User id")

	factsCmd.AddCommand(factsListCmd, factsRememberCmd, factsForgetCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(chatCmd, statusCmd, factsCmd, configCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ChatOptions carries injectable dependencies for testing the chat loop.
type ChatOptions struct {
	Responder Responder
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

func runChatWithOptions(opts ChatOptions) error {
	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	responder := opts.Responder
	if responder == nil {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Provider.APIKey == "" {
			return fmt.Errorf("API key not set. Run 'engram config init' or set ENGRAM_API_KEY")
		}
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.upkeep.Start(); err != nil {
			return fmt.Errorf("start maintenance: %w", err)
		}
		responder = a.orch
	}

	ctx := context.Background()

	if messageFlag != "" {
		res, err := responder.Respond(ctx, sessionFlag, userFlag, messageFlag)
		if err != nil {
			return fmt.Errorf("respond: %w", err)
		}
		fmt.Fprintln(stdout, res.Text)
		return nil
	}

	fmt.Fprintln(stdout, "engram chat (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		res, err := responder.Respond(ctx, sessionFlag, userFlag, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, res.Text)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Data dir: %s\n", cfg.DataDir)
	fmt.Printf("Model: %s\n", cfg.Generator.Model)
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API key: set")
	} else {
		fmt.Println("API key: not set")
	}
	fmt.Printf("Window: limit=%d margin=%d floor=%d\n",
		cfg.Window.ActiveTokenLimit, cfg.Window.TokenMargin, cfg.Window.MinRetainedTurns)

	dbPath := cfg.Archive.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.DataDir, "archive.db")
	}
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println("Archive: empty (no database yet)")
		return nil
	}
	arch, err := archive.New(dbPath, nil)
	if err != nil {
		fmt.Printf("Archive: error (%v)\n", err)
		return nil
	}
	defer arch.Close()
	stats, err := arch.Stats()
	if err != nil {
		fmt.Printf("Archive: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Archive: %d sessions, %d chunks, %d entries\n", stats.Sessions, stats.Chunks, stats.Entries)
	return nil
}

func runFactsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	facts, err := store.NewFactStore(cfg.DataDir).LoadFacts(userFlag)
	if err != nil {
		return fmt.Errorf("load facts: %w", err)
	}
	if len(facts) == 0 {
		fmt.Println("No facts remembered.")
		return nil
	}
	for _, f := range facts {
		fmt.Println("- " + f)
	}
	return nil
}

func runFactsRemember(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fs := store.NewFactStore(cfg.DataDir)
	facts, err := fs.LoadFacts(userFlag)
	if err != nil {
		return fmt.Errorf("load facts: %w", err)
	}

	fact := strings.TrimSpace(strings.Join(args, " "))
	for _, f := range facts {
		if strings.EqualFold(f, fact) {
			fmt.Println("Already remembered.")
			return nil
		}
	}
	facts = append(facts, fact)
	if err := fs.SaveFacts(userFlag, facts); err != nil {
		return fmt.Errorf("save facts: %w", err)
	}
	fmt.Printf("Remembered: %s\n", fact)
	return nil
}

func runFactsForget(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fs := store.NewFactStore(cfg.DataDir)
	facts, err := fs.LoadFacts(userFlag)
	if err != nil {
		return fmt.Errorf("load facts: %w", err)
	}

	pattern := strings.ToLower(strings.TrimSpace(strings.Join(args, " ")))
	kept := facts[:0]
	removed := 0
	for _, f := range facts {
		if strings.Contains(strings.ToLower(f), pattern) {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	if removed == 0 {
		fmt.Println("Nothing matched.")
		return nil
	}
	if err := fs.SaveFacts(userFlag, kept); err != nil {
		return fmt.Errorf("save facts: %w", err)
	}
	fmt.Printf("Forgot %d fact(s).\n", removed)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and base URL\n", cfgPath)
	fmt.Println("  2. Or set ENGRAM_API_KEY / ENGRAM_BASE_URL environment variables")
	fmt.Println("  3. Run 'engram chat -m \"Hello\"' to test")
	return nil
}
