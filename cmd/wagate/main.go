package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sipeed/wagate/pkg/config"
	"github.com/sipeed/wagate/pkg/provider/whatsapp"
	"github.com/sipeed/wagate/pkg/supervisor"
)

var (
	version   = "dev"
	buildTime = ""
)

func main() {
	cmd, args := parseArgs(os.Args[1:])

	var err error
	switch cmd {
	case "serve":
		err = withConfig(serveCommand)
	case "migrate":
		migrateDataCommand()
	case "export":
		outputDir := "./wagate-export"
		if len(args) > 0 {
			outputDir = args[0]
		}
		exportDataCommand(outputDir)
	case "token":
		rotate := len(args) > 0 && args[0] == "rotate"
		err = withConfig(func(cfg *config.Config) error { return tokenCommand(cfg, rotate) })
	case "purge":
		if len(args) == 0 {
			fmt.Println("Usage: wagate purge <tenant>")
			os.Exit(2)
		}
		err = withConfig(func(cfg *config.Config) error { return purgeCommand(cfg, args[0]) })
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printHelp()
		os.Exit(2)
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// parseArgs strips a leading -config flag and splits the rest into a
// command and its arguments. An empty command line means serve.
func parseArgs(argv []string) (string, []string) {
	var rest []string
	for i := 0; i < len(argv); i++ {
		switch a := argv[i]; {
		case a == "-config" || a == "--config":
			if i+1 < len(argv) {
				configFlag = argv[i+1]
				i++
			}
		case strings.HasPrefix(a, "-config="), strings.HasPrefix(a, "--config="):
			configFlag = a[strings.Index(a, "=")+1:]
		default:
			rest = append(rest, a)
		}
	}
	switch len(rest) {
	case 0:
		return "serve", nil
	case 1:
		return rest[0], nil
	}
	return rest[0], rest[1:]
}

var configFlag string

// getConfigPath resolves -config, then WAGATE_CONFIG, then the default.
func getConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if p := os.Getenv("WAGATE_CONFIG"); p != "" {
		return p
	}
	return config.DefaultConfigPath()
}

func withConfig(fn func(*config.Config) error) error {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		return err
	}
	return fn(cfg)
}

func tokenCommand(cfg *config.Config, rotate bool) error {
	if rotate {
		token, err := cfg.RotateAPIToken()
		if err != nil {
			return fmt.Errorf("rotate token: %w", err)
		}
		fmt.Println(token)
		return nil
	}

	cfg.Server.RequireAuth = true
	token, created, err := cfg.EnsureAPIToken()
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	if created {
		fmt.Fprintln(os.Stderr, "Generated a new API token")
	}
	fmt.Println(token)
	return nil
}

// purgeCommand removes a tenant's stored credentials with the same retry
// rules the running service uses. The service must not hold the session.
func purgeCommand(cfg *config.Config, tenant string) error {
	factory, err := whatsapp.NewFactory(whatsapp.Options{
		StoreDir: cfg.Session.StoreDir,
		StoreURL: cfg.Session.StoreURL,
	})
	if err != nil {
		return err
	}

	sup := supervisor.New(supervisorOptions(cfg, factory))
	defer func() { _ = sup.Shutdown(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := sup.Purge(ctx, tenant); err != nil {
		return fmt.Errorf("purge %s: %w", tenant, err)
	}
	fmt.Printf("Session storage for %s removed\n", tenant)
	return nil
}

func printVersion() {
	fmt.Printf("wagate %s\n", version)
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
}

func printHelp() {
	fmt.Println("wagate - WhatsApp session gateway")
	fmt.Println()
	fmt.Println("Usage: wagate [-config path] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve            Run the gateway (default)")
	fmt.Println("  migrate          Copy outbox and device records between storage backends")
	fmt.Println("  export [dir]     Write outbox and device records to JSON files")
	fmt.Println("  token [rotate]   Print or rotate the API token")
	fmt.Println("  purge <tenant>   Delete a tenant's stored WhatsApp credentials")
	fmt.Println("  version          Show version information")
}
