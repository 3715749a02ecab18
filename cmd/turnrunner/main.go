// Command turnrunner drives a single conversational agent loop over
// stdin/stdout: the Turn Driver (C5) ties the Chat Session (C3) and Tool
// Scheduler (C4) together, fed raw keystrokes decoded by the Keypress
// Decoder (C6).
//
// Grounded on cmd/symb/main.go's config/credentials/provider-registry/
// MCP-proxy wiring, minus the bubbletea program — this binary drives the
// same services against a plain terminal loop instead of the TUI.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/turnrunner/internal/chatsession"
	"github.com/xonecas/turnrunner/internal/config"
	"github.com/xonecas/turnrunner/internal/contentgen"
	"github.com/xonecas/turnrunner/internal/convo"
	"github.com/xonecas/turnrunner/internal/delta"
	"github.com/xonecas/turnrunner/internal/filesearch"
	"github.com/xonecas/turnrunner/internal/keypress"
	"github.com/xonecas/turnrunner/internal/llm"
	"github.com/xonecas/turnrunner/internal/lsp"
	"github.com/xonecas/turnrunner/internal/mcptools"
	"github.com/xonecas/turnrunner/internal/provider"
	"github.com/xonecas/turnrunner/internal/registry"
	"github.com/xonecas/turnrunner/internal/scheduler"
	"github.com/xonecas/turnrunner/internal/shell"
	"github.com/xonecas/turnrunner/internal/store"
	"github.com/xonecas/turnrunner/internal/turndriver"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagModel := flag.String("model", "", "override the configured default provider's model")
	flag.Parse()

	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(dataDirPath); err == nil {
			configPath = dataDirPath
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("Error loading credentials: %v\n", err)
		os.Exit(1)
	}

	providerName, providerCfg := resolveProvider(cfg)
	if *flagModel != "" {
		providerCfg.Model = *flagModel
	}

	generator, _, closeGen := buildGenerator(providerName, providerCfg)
	defer closeGen()

	reg := registry.New()
	sched := scheduler.New(reg, scheduler.NewAllowSet(), scheduler.Mode(cfg.Approval.ModeOrDefault()))
	sched.OnAwaitingApproval = func(tc *scheduler.ToolCall) { promptApproval(tc) }

	deps := buildToolDeps(cfg, creds, generator, sched)
	if err := mcptools.RegisterAll(reg, deps); err != nil {
		fmt.Printf("Error registering tools: %v\n", err)
		os.Exit(1)
	}

	cwd, _ := os.Getwd()
	gitignore, _ := filesearch.NewGitignoreMatcher(filepath.Join(cwd, ".gitignore"))

	sess := chatsession.New(generator, &convo.GenerationConfig{Provider: providerName, Model: providerCfg.Model})
	sess.Tools = reg.ToolsForGeneration()
	sess.SystemInstruction = llm.BuildSystemPrompt(providerCfg.Model, nil)

	driver := &turndriver.Driver{
		Session:   sess,
		Scheduler: sched,
		GitIgnored: func(path string) bool {
			return gitignore != nil && gitignore.Matches(path, false)
		},
		Glob:     globPattern,
		BulkRead: bulkRead,
		EmitEvent: printEvent,
	}

	fmt.Println("turnrunner ready. Type a prompt and press Enter (Ctrl-C to exit).")
	runREPL(driver)
}

func resolveProvider(cfg *config.Config) (string, config.ProviderConfig) {
	name := cfg.DefaultProvider
	if name == "" {
		for n := range cfg.Providers {
			name = n
			break
		}
	}
	pcfg, ok := cfg.Providers[name]
	if !ok {
		fmt.Printf("Error: provider %q not found\n", name)
		os.Exit(1)
	}
	return name, pcfg
}

// buildGenerator wires the §6's native-vs-local adapter choice: a "local"
// provider talks the newline-delimited /api/chat protocol directly,
// everything else goes through a provider.Provider backend.
func buildGenerator(name string, pcfg config.ProviderConfig) (contentgen.Generator, provider.Provider, func() error) {
	if pcfg.AdapterOrDefault() == "local" {
		return contentgen.NewLocalAdapter(pcfg.Endpoint), nil, func() error { return nil }
	}

	reg := provider.NewRegistry()
	reg.RegisterFactory(name, provider.NewOllamaFactory(name, pcfg.Endpoint))
	prov, err := reg.Create(name, pcfg.Model, provider.Options{Temperature: pcfg.Temperature})
	if err != nil {
		fmt.Printf("Error creating provider: %v\n", err)
		os.Exit(1)
	}
	return contentgen.NewNativeAdapter(prov), prov, prov.Close
}

func buildToolDeps(cfg *config.Config, creds *config.Credentials, generator contentgen.Generator, sched *scheduler.Scheduler) mcptools.Deps {
	tracker := mcptools.NewFileReadTracker()
	lspManager := lsp.NewManager()

	var webCache *store.Cache
	if dataDir, err := config.EnsureDataDir(); err == nil {
		ttl := time.Duration(cfg.Cache.CacheTTLOrDefault()) * time.Hour
		webCache, _ = store.Open(filepath.Join(dataDir, "cache.db"), ttl)
	}

	var dt *delta.Tracker
	if webCache != nil {
		dt = delta.New(webCache.DB())
	}

	return mcptools.Deps{
		Tracker:      tracker,
		LSPManager:   lspManager,
		DeltaTracker: dt,
		Shell:        shell.New("", shell.DefaultBlockFuncs()),
		WebCache:     webCache,
		ExaAPIKey:    creds.GetAPIKey("exa_ai"),
		Scratchpad:   &mcptools.Scratchpad{},
		Generator:    generator,
		Scheduler:    sched,
	}
}

// globPattern resolves a glob against the working directory, supporting a
// "**" suffix as a recursive-all-files wildcard (§4.5.1).
func globPattern(pattern string) ([]string, error) {
	if strings.HasSuffix(pattern, "/**") {
		root := strings.TrimSuffix(pattern, "/**")
		var out []string
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			out = append(out, path)
			return nil
		})
		return out, err
	}
	return filepath.Glob(pattern)
}

// bulkRead concatenates each resolved path's content, labeled by path, for
// injection into the prompt per §4.5.1 step 4.
func bulkRead(ctx context.Context, paths []string, respectGitIgnore bool) (string, error) {
	var b strings.Builder
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			fmt.Fprintf(&b, "--- %s (error: %v) ---\n", p, err)
			continue
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", p, content)
	}
	return b.String(), nil
}

func promptApproval(tc *scheduler.ToolCall) {
	fmt.Printf("\nApproval required for %s\n", tc.Request.Name)
	if tc.ConfirmationDetails != nil {
		switch tc.ConfirmationDetails.Type {
		case registry.KindEdit:
			fmt.Println(tc.ConfirmationDetails.FileDiff)
		case registry.KindExec:
			fmt.Printf("command: %s\n", tc.ConfirmationDetails.Command)
		case registry.KindInfo:
			fmt.Println(tc.ConfirmationDetails.Prompt)
		}
	}
	fmt.Print("Proceed? [y]es/[n]o/[a]lways: ")

	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	switch strings.TrimSpace(strings.ToLower(line)) {
	case "a", "always":
		tc.Confirm(scheduler.ProceedAlways)
	case "n", "no":
		tc.Confirm(scheduler.Cancel)
	default:
		tc.Confirm(scheduler.ProceedOnce)
	}
}

func printEvent(ev turndriver.Event) {
	switch ev.Kind {
	case turndriver.EventText:
		fmt.Print(ev.Text)
	case turndriver.EventThought:
		// Thoughts are not shown by default; surfaced only via logs.
		log.Debug().Str("thought", ev.Text).Msg("turndriver: model reasoning")
	case turndriver.EventToolCall:
		fmt.Printf("\n[tool_call] %s\n", ev.Call.Name)
	}
}

// runREPL decodes raw stdin bytes through the Keypress Decoder (C6),
// echoing printable input and submitting the accumulated line to the
// driver on Enter. Assumes the terminal has been placed in raw/cbreak
// mode by the caller's shell (this binary carries no termios dependency).
func runREPL(driver *turndriver.Driver) {
	decoder := keypress.New()
	var line strings.Builder
	promptN := 0

	buf := make([]byte, 256)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		keys := decoder.Feed(buf[:n])
		for _, k := range keys {
			switch {
			case k.Ctrl && k.Name == "c":
				fmt.Println("\nbye.")
				return
			case k.Name == "return" && !k.Shift:
				prompt := line.String()
				line.Reset()
				fmt.Println()
				if strings.TrimSpace(prompt) == "" {
					continue
				}
				promptN++
				promptID := fmt.Sprintf("p%d", promptN)
				result := driver.Run(context.Background(), promptID, prompt)
				fmt.Println()
				if result.Err != nil {
					fmt.Printf("[%s] %v\n", result.Reason, result.Err)
				}
			case k.Paste:
				line.WriteString(k.Sequence)
				fmt.Print(k.Sequence)
			case len(k.Name) == 1:
				line.WriteString(k.Name)
				fmt.Print(k.Name)
			}
		}
	}
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "turnrunner.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	return nil
}
