package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/splax/permadeploy/internal/domain"
	apiclient "github.com/splax/permadeploy/pkg/api/client"
	"github.com/splax/permadeploy/pkg/jwt"
)

const defaultAPIBaseURL = "http://localhost:3050"

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

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
	case "logs":
		err = commandLogs(args)
	case "config":
		err = commandConfig(args)
	case "list":
		err = commandList(args)
	case "remove":
		err = commandRemove(args)
	case "token":
		err = commandToken(args)
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
		var apiErr apiclient.APIError
		if errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "\n") {
			fmt.Fprintf(os.Stderr, "error: request failed with status %d\n%s\n", apiErr.Status, apiErr.Message)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	apiBase := fs.String("api", "", "Builder base URL (default "+defaultAPIBaseURL+")")
	token := fs.String("token", "", "Access token (supply to avoid prompt)")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		value, err := readSecret("Access token: ")
		if err != nil {
			return err
		}
		secret = value
	}
	if secret == "" {
		return errors.New("access token is required")
	}
	if !looksLikeJWT(secret) {
		return errors.New("access token is not a JWT")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	cfg.AccessToken = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("credentials saved")
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	repo := fs.String("repo", "", "Repository URL")
	branch := fs.String("branch", "main", "Branch to build")
	install := fs.String("install", "npm install", "Install command")
	build := fs.String("build", "npm run build", "Build command")
	output := fs.String("output", "dist", "Build output directory")
	subdir := fs.String("subdir", "", "Build from this subdirectory of the repository")
	undername := fs.String("undername", "", "Name to bind to the published address")
	protocolLand := fs.Bool("protocol-land", false, "Address the deployment by wallet and name instead of the repository path")
	wallet := fs.String("wallet", "", "Wallet address (with --protocol-land)")
	name := fs.String("name", "", "Repository name (with --protocol-land)")
	follow := fs.Bool("follow", false, "Stream build output while deploying")
	fs.Parse(args)

	if strings.TrimSpace(*repo) == "" {
		return errors.New("--repo is required")
	}
	input := apiclient.DeployInput{
		Repository:     *repo,
		InstallCommand: *install,
		BuildCommand:   *build,
		OutputDir:      *output,
		Branch:         *branch,
		SubDirectory:   *subdir,
		ProtocolLand:   *protocolLand,
		WalletAddress:  *wallet,
		RepoName:       *name,
		Undername:      *undername,
	}
	addr, err := domain.ResolveAddress(input.Repository, input.ProtocolLand, input.WalletAddress, input.RepoName)
	if err != nil {
		return err
	}

	cfg, client, err := newClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *follow {
		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			_ = client.StreamLogs(streamCtx, addr.Owner, addr.RepoName, printLine)
		}()
	}

	fmt.Fprintf(os.Stderr, "deploying %s (%s)...\n", addr, input.Branch)
	result, err := client.Deploy(ctx, cfg.AccessToken, input)
	if err != nil {
		return err
	}
	if result.Status == "no_changes" {
		fmt.Println("no new commits, nothing to deploy")
		return nil
	}
	fmt.Printf("published %s\n", result.Address)
	if result.URL != "" {
		fmt.Printf("url: %s\n", result.URL)
	}
	if result.Undername != "" {
		fmt.Printf("undername: %s\n", result.Undername)
	}
	if result.NamingError != "" {
		fmt.Fprintf(os.Stderr, "warning: name binding failed: %s\n", result.NamingError)
	}
	fmt.Printf("deploys today: %d\n", result.DeployCount)
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	follow := fs.Bool("follow", false, "Keep streaming new build output")
	fs.Parse(args)

	owner, repo, err := parseTarget(fs.Args())
	if err != nil {
		return err
	}
	_, client, err := newClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	text, err := client.Logs(fetchCtx, owner, repo)
	cancel()
	var apiErr apiclient.APIError
	switch {
	case err == nil:
		fmt.Print(text)
	case errors.As(err, &apiErr) && apiErr.Status == 404 && *follow:
	default:
		return err
	}
	if !*follow {
		return nil
	}
	return client.StreamLogs(ctx, owner, repo, printLine)
}

func commandConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	fs.Parse(args)

	owner, repo, err := parseTarget(fs.Args())
	if err != nil {
		return err
	}
	_, client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := client.Config(ctx, owner, repo)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(dep, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	owner := fs.String("owner", "", "Only show this owner's deployment")
	fs.Parse(args)

	_, client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := client.ListDeployments(ctx)
	if err != nil {
		return err
	}
	for _, dep := range deployments {
		if *owner != "" && dep.Owner != *owner {
			continue
		}
		commit := dep.LastBuiltCommit
		if len(commit) > 7 {
			commit = commit[:7]
		}
		fmt.Printf("%s/%s\t%s\t%s\t%d/%d\t%s\n", dep.Owner, dep.RepoName, commit, dep.URL, dep.DeployCount, dep.MaxDailyDeploys, dep.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func commandRemove(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	yes := fs.Bool("yes", false, "Do not ask for confirmation")
	fs.Parse(args)

	owner, repo, err := parseTarget(fs.Args())
	if err != nil {
		return err
	}
	if !*yes {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("refusing to remove without --yes when stdin is not a terminal")
		}
		ok, err := confirm(os.Stdin, fmt.Sprintf("Remove %s/%s and its build area? [y/N] ", owner, repo))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("aborted")
			return nil
		}
	}

	cfg, client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.RemoveDeployment(ctx, cfg.AccessToken, owner, repo); err != nil {
		return err
	}
	fmt.Println("deployment removed")
	return nil
}

func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	owner := fs.String("owner", "", "Owner the token may act for")
	admin := fs.Bool("admin", false, "Allow acting for every owner")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "Token lifetime")
	fs.Parse(args)

	if strings.TrimSpace(*owner) == "" && !*admin {
		return errors.New("--owner or --admin is required")
	}
	secret := strings.TrimSpace(os.Getenv("AUTH_SECRET"))
	if secret == "" {
		value, err := readSecret("AUTH_SECRET: ")
		if err != nil {
			return err
		}
		secret = value
	}
	token, err := jwt.GenerateToken(strings.TrimSpace(*owner), *admin, secret, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func newClient() (cliConfig, *apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cliConfig{}, nil, err
	}
	if env := strings.TrimSpace(os.Getenv("PERMADEPLOY_API")); env != "" {
		cfg.APIBaseURL = env
	}
	if env := strings.TrimSpace(os.Getenv("PERMADEPLOY_TOKEN")); env != "" {
		cfg.AccessToken = env
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return cliConfig{}, nil, err
	}
	return cfg, client, nil
}

func parseTarget(args []string) (string, string, error) {
	if len(args) != 1 {
		return "", "", errors.New("expected <owner>/<repo>")
	}
	owner, repo, ok := strings.Cut(strings.Trim(args[0], "/"), "/")
	if !ok || domain.ValidSegment(owner) != nil || domain.ValidSegment(repo) != nil {
		return "", "", fmt.Errorf("invalid target %q, expected <owner>/<repo>", args[0])
	}
	return owner, repo, nil
}

func printLine(line apiclient.LogLine) {
	fmt.Println(line.Line)
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		data, err := io.ReadAll(io.LimitReader(os.Stdin, 64*1024))
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	bytes, err := term.ReadPassword(fd)
	fmt.Fprint(os.Stderr, "\n")
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(bytes)), nil
}

func confirm(in io.Reader, prompt string) (bool, error) {
	fmt.Fprint(os.Stderr, prompt)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
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
	if override := strings.TrimSpace(os.Getenv("PERMADEPLOY_CONFIG")); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "permadeploy", "config.json"), nil
}

func printUsage() {
	fmt.Printf("permadeploy CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	permadeploy login [--api http://localhost:3050] [--token jwt]
	permadeploy deploy --repo <url> [--branch main] [--install cmd] [--build cmd] [--output dist] [--subdir dir] [--undername name] [--follow]
	permadeploy deploy --repo <url> --protocol-land --wallet <address> --name <repo-name> ...
	permadeploy logs [--follow] <owner>/<repo>
	permadeploy config <owner>/<repo>
	permadeploy list [--owner name]
	permadeploy remove [--yes] <owner>/<repo>
	permadeploy token --owner <name> [--ttl 720h] | --admin
	permadeploy version

Environment:
	PERMADEPLOY_API, PERMADEPLOY_TOKEN, PERMADEPLOY_CONFIG, AUTH_SECRET (token command)
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
