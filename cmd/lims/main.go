package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/fatih/color"

	"llm-interaction-manager/internal/config"
	"llm-interaction-manager/internal/logging"
	"llm-interaction-manager/internal/tracer"
	"llm-interaction-manager/pkg/interaction"
	"llm-interaction-manager/pkg/review"
)

func main() {
	// 1. Environment and tracing
	env := config.LoadEnv()
	configPath := flag.String("config", env.ConfigPath, "path to the persisted configuration file")
	flag.Parse()

	shutdownTracer := tracer.Init()
	defer shutdownTracer(context.Background())

	// 2. Logging goes to the file so the prompt stream stays clean
	logger := logging.NewFileOnly(env.LogFilePath)
	defer logger.Sync()

	// 3. Bind the manager from the persisted configuration
	ctx := context.Background()
	manager, err := interaction.NewManager(ctx,
		interaction.WithConfigStore(config.NewStore(*configPath)),
		interaction.WithLogger(logger),
		interaction.WithReviewer(review.NewStdin()),
	)
	if err != nil {
		log.Fatalf("unable to bind the interaction manager: %v", err)
	}

	// 4. Start the dialogue
	if _, err := manager.StartConversation(nil); err != nil {
		log.Fatalf("unable to start a conversation: %v", err)
	}

	color.Cyan("lims ready. Type a prompt, or /help for commands.")
	repl(ctx, manager)
}

func repl(ctx context.Context, manager *interaction.Manager) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		color.New(color.FgGreen).Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := command(ctx, manager, line); quit {
				return
			}
			continue
		}

		result, err := manager.SendPrompt(ctx, line)
		if err != nil {
			color.Red("error: %v", err)
			continue
		}
		fmt.Println(result.Content)
	}
}

// command handles one slash command and reports whether to quit.
func command(ctx context.Context, manager *interaction.Manager, line string) bool {
	fields := strings.SplitN(line, " ", 2)
	arg := ""
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/export":
		path, err := manager.ExportRecords(ctx, arg, nil)
		if err != nil {
			color.Red("export failed: %v", err)
			break
		}
		color.Green("exported to %s", path)
	case "/mode":
		mode, ok := interaction.ParseRAGMode(arg)
		if !ok {
			color.Red("unknown mode %q (NONE, PERSISTENT, VOLATILE, DYNAMIC)", arg)
			break
		}
		if err := manager.SetRAGMode(mode); err != nil {
			color.Red("mode change failed: %v", err)
			break
		}
		color.Green("rag mode set to %s", mode)
	case "/comment":
		if err := manager.ChangeComment(arg); err != nil {
			color.Red("comment failed: %v", err)
			break
		}
		color.Green("comment updated")
	case "/help":
		printHelp()
	default:
		color.Red("unknown command %s", fields[0])
	}
	return false
}

func printHelp() {
	color.Cyan("commands:")
	fmt.Println("  /mode <name>     switch the rag mode (NONE, PERSISTENT, VOLATILE, DYNAMIC)")
	fmt.Println("  /comment <text>  replace the comment on the last turn")
	fmt.Println("  /export [dir]    write the conversation records as json")
	fmt.Println("  /quit            leave")
}
