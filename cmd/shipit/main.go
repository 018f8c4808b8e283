package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/briandowns/spinner"
	"github.com/okarlsson/shipit/orchestrator"
)

var helpStr = `Usage:
  shipit <command>

Available Commands:
  deploy      Rebuild the image and replace the running container
  status      Show the deployed container's status
  stop        Stop the deployed container
  start       Start a stopped container
  history     Show past deployment runs

Flags:
  -h, --help   help for shipit

Configuration is read from shipit.yaml in the current directory (or the file
named by SHIPIT_CONFIG) and SHIPIT_* environment variables.`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(helpStr)
		os.Exit(1)
	}

	if os.Args[1] == "--help" || os.Args[1] == "-h" {
		fmt.Println(helpStr)
		os.Exit(0)
	}

	command := os.Args[1]

	configPath := os.Getenv("SHIPIT_CONFIG")
	if configPath == "" {
		if _, err := os.Stat("shipit.yaml"); err == nil {
			configPath = "shipit.yaml"
		}
	}

	cfg, err := orchestrator.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := runCommand(command, cfg); err != nil {
		printFailure(err)
		os.Exit(1)
	}
}

func runCommand(command string, cfg *orchestrator.Config) error {
	switch command {
	case "deploy":
		return deployCommand(cfg)
	case "status":
		return statusCommand(cfg)
	case "stop":
		return stopCommand(cfg)
	case "start":
		return startCommand(cfg)
	case "history":
		return historyCommand(cfg)
	default:
		if suggestion := suggestCommand(command); suggestion != "" {
			return fmt.Errorf("unknown command: %s (did you mean %q?)\n%s", command, suggestion, helpStr)
		}
		return fmt.Errorf("unknown command: %s\n%s", command, helpStr)
	}
}

func newEngine(cfg *orchestrator.Config) (*orchestrator.DockerEngine, error) {
	logger, err := orchestrator.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	return orchestrator.NewDockerEngine(cfg.Docker.Host, cfg.StopTimeout, logger)
}

func deployCommand(cfg *orchestrator.Config) error {
	logger, err := orchestrator.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	engine, err := orchestrator.NewDockerEngine(cfg.Docker.Host, cfg.StopTimeout, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	journal, err := orchestrator.OpenJournal(cfg.History.Path)
	if err != nil {
		return err
	}
	defer journal.Close()

	loadingSpinner := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	loadingSpinner.Suffix = " Deploying"
	loadingSpinner.Start()
	defer func() {
		if loadingSpinner.Active() {
			loadingSpinner.Stop()
		}
	}()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, os.Interrupt)
	go func() {
		<-signalChannel
		if loadingSpinner.Active() {
			loadingSpinner.Stop()
		}

		os.Exit(1)
	}()

	orch := orchestrator.New(cfg, engine, logger).WithJournal(journal)
	orch.OnStep(func(event orchestrator.StepEvent) {
		loadingSpinner.Suffix = " " + truncate(event.Message, 70)
	})

	result, err := orch.Deploy(context.Background())
	loadingSpinner.Stop()
	if err != nil {
		return err
	}

	fmt.Printf("Deployed %s successfully!\n\n", cfg.ContainerName)
	fmt.Println(result.Report.Render())
	fmt.Println(orchestrator.CheatSheet(cfg.ContainerName))
	return nil
}

func statusCommand(cfg *orchestrator.Config) error {
	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	state, err := engine.InspectContainer(context.Background(), cfg.ContainerName)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			return fmt.Errorf("no container named %s, run shipit deploy first", cfg.ContainerName)
		}
		return err
	}

	report := orchestrator.Report{
		Name:   state.Name,
		Image:  state.Image,
		Status: state.Status,
		Ports:  state.Ports,
	}
	fmt.Println(report.Render())
	return nil
}

func stopCommand(cfg *orchestrator.Config) error {
	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.StopContainer(context.Background(), cfg.ContainerName); err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			return fmt.Errorf("no container named %s", cfg.ContainerName)
		}
		return err
	}

	fmt.Printf("Successfully stopped %s\n", cfg.ContainerName)
	return nil
}

func startCommand(cfg *orchestrator.Config) error {
	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.StartContainer(context.Background(), cfg.ContainerName); err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			return fmt.Errorf("no container named %s, run shipit deploy first", cfg.ContainerName)
		}
		return err
	}

	fmt.Printf("Successfully started %s\n", cfg.ContainerName)
	return nil
}

func historyCommand(cfg *orchestrator.Config) error {
	journal, err := orchestrator.OpenJournal(cfg.History.Path)
	if err != nil {
		return err
	}
	defer journal.Close()

	runs, err := journal.Recent(20)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No deployments recorded")
		return nil
	}

	fmt.Println(renderHistory(runs))
	return nil
}

func printFailure(err error) {
	var stepErr *orchestrator.StepError
	if errors.As(err, &stepErr) {
		fmt.Printf("Deployment failed (%s): %v\n", stepErr.Kind, stepErr.Err)
		if stepErr.Remedy != "" {
			fmt.Printf("Hint: %s\n", stepErr.Remedy)
		}
		return
	}

	fmt.Printf("%v\n", err)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
