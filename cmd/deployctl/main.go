package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/service/webhook"
	apiclient "github.com/splax/deployctl/pkg/api/client"
	"github.com/splax/deployctl/pkg/ci"
	"github.com/splax/deployctl/pkg/crypto"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
	Operator    string `json:"operator,omitempty"`
}

var buildVersion = "dev"

const requestTimeout = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "deploy":
		err = commandDeploy(args)
	case "pipelines":
		err = commandPipelines(args)
	case "canary":
		err = commandCanary(args)
	case "infra":
		err = commandInfra(args)
	case "metrics":
		err = commandMetrics(args)
	case "report":
		err = commandReport(args)
	case "hash-key":
		err = commandHashKey(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	operator := fs.String("operator", "", "Operator name")
	key := fs.String("key", "", "Operator key (supply to avoid prompt)")
	apiBase := fs.String("api", "", "Orchestrator base URL (default "+apiclient.DefaultBaseURL+")")
	fs.Parse(args)

	if strings.TrimSpace(*operator) == "" {
		return errors.New("--operator is required")
	}
	secret, err := readSecret(*key, "Operator key: ")
	if err != nil {
		return err
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	token, err := client.IssueToken(ctx, *operator, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = token.AccessToken
	cfg.Operator = token.Operator
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("login successful, token valid for %s\n", time.Duration(token.ExpiresIn)*time.Second)
	return nil
}

// commandReport posts a signed stage result to the CI webhook, the way a CI job would.
func commandReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	pipelineID := fs.String("id", "", "Pipeline ID")
	stageID := fs.String("stage", "", "Stage ID")
	result := fs.String("result", "success", "Stage result (success|failed)")
	message := fs.String("message", "", "Optional log line")
	secret := fs.String("secret", os.Getenv("CI_WEBHOOK_SECRET"), "Webhook secret (default $CI_WEBHOOK_SECRET)")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reporter, err := ci.NewReporter(cfg.APIBaseURL, *secret, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	receipt, err := reporter.Report(ctx, webhook.StageResult{
		PipelineID: *pipelineID,
		StageID:    *stageID,
		Result:     domain.StageStatus(*result),
		Message:    *message,
	})
	if err != nil {
		return err
	}
	fmt.Printf("pipeline %s is %s (revision %d)\n", receipt.PipelineID, receipt.Status, receipt.Revision)
	return nil
}

// commandHashKey prints the bcrypt hash to place in OPERATOR_KEYS.
func commandHashKey(args []string) error {
	fs := flag.NewFlagSet("hash-key", flag.ExitOnError)
	key := fs.String("key", "", "Key to hash (supply to avoid prompt)")
	generate := fs.Bool("generate", false, "Generate a random key and print it with its hash")
	fs.Parse(args)

	plain := *key
	if *generate {
		generated, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		plain = generated
		fmt.Printf("key:  %s\n", plain)
	}
	plain, err := readSecret(plain, "Key to hash: ")
	if err != nil {
		return err
	}
	hash, err := crypto.HashKey(plain)
	if err != nil {
		return err
	}
	fmt.Printf("hash: %s\n", hash)
	return nil
}

func readSecret(value, prompt string) (string, error) {
	if secret := strings.TrimSpace(value); secret != "" {
		return secret, nil
	}
	fmt.Print(prompt)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(bytes)), nil
}

// authedClient builds a client from the saved config. A missing token is allowed since
// the orchestrator may run without operator keys.
func authedClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return apiclient.New(cfg.APIBaseURL, apiclient.WithToken(cfg.AccessToken))
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	cfg := cliConfig{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cliConfig{}, err
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cliConfig{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if env := strings.TrimSpace(os.Getenv("DEPLOYCTL_API")); env != "" {
		cfg.APIBaseURL = env
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = apiclient.DefaultBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DEPLOYCTL_CONFIG")); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "deployctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("deployctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	deployctl login --operator <name> [--key secret] [--api http://localhost:4100]
	deployctl deploy --name <svc> --env development|staging|production --branch <b> --commit <sha> --version <v> [--stages a,b] [--external b] [--deferred]
	deployctl pipelines list [--status s] [--env e] [--limit N]
	deployctl pipelines get|start|pause|resume --id <id>
	deployctl pipelines cancel --id <id> [--reason text]
	deployctl pipelines stage --id <id> --stage <stage-id> --result success|failed [--message text]
	deployctl pipelines watch --id <id> [--interval 2s]
	deployctl canary create --name <svc> --current <v> --target <v> [--step 10] [--max 50] [--interval 30s]
	deployctl canary list [--status s]
	deployctl canary get|promote|rollback --id <id>
	deployctl canary observe --id <id> --error-rate 0.5 --response-ms 180 --throughput 1200 --satisfaction 4.5
	deployctl infra [--status healthy|warning|critical|provisioning|terminating]
	deployctl infra --id <resource> --lifecycle provisioning|terminating|healthy
	deployctl metrics [--window 30]
	deployctl report --id <id> --stage <stage-id> --result success|failed [--message text] [--secret s]
	deployctl hash-key [--key secret] [--generate]
	deployctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
