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

	"github.com/splax/heirloom/internal/domain"
	"github.com/splax/heirloom/internal/provider"
	"github.com/splax/heirloom/internal/provider/httpapi"
	"github.com/splax/heirloom/pkg/jwt"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

const (
	defaultAPIBase = "http://localhost:4000"
	requestTimeout = 15 * time.Second
)

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
	case "token":
		err = commandToken(args)
	case "apps":
		err = commandApps(args)
	case "regions":
		err = commandRegions(args)
	case "envs":
		err = commandEnvs(args)
	case "history":
		err = commandHistory(args)
	case "deployments":
		err = commandDeployments(args)
	case "release":
		err = commandRelease(args)
	case "rollback":
		err = commandRollback(args)
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
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	token := fs.String("token", "", "Bearer token (supply to avoid prompt)")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		read, err := prompt("Token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = read
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	client, err := httpapi.New(cfg.APIBaseURL, httpapi.WithToken(secret))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("api unreachable: %w", err)
	}
	cfg.AccessToken = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

// commandToken signs a token locally for operators holding the server's
// JWT secret.
func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "User identifier")
	name := fs.String("name", "", "Actor name recorded on releases")
	ttl := fs.Duration("ttl", 12*time.Hour, "Token lifetime")
	fs.Parse(args)

	if strings.TrimSpace(*user) == "" {
		return errors.New("--user is required")
	}
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		read, err := prompt("JWT secret: ")
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		secret = read
	}
	token, err := jwt.GenerateToken(*user, *name, secret, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func commandApps(args []string) error {
	fs := flag.NewFlagSet("apps", flag.ExitOnError)
	fs.Parse(args)

	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()
	apps, err := client.ListApplications(ctx)
	if err != nil {
		return err
	}
	for _, a := range apps {
		fmt.Printf("%s\t%s\t%s\n", a.ID, a.Name, a.Team)
	}
	return nil
}

func commandRegions(args []string) error {
	fs := flag.NewFlagSet("regions", flag.ExitOnError)
	app := fs.String("app", "", "Application identifier")
	fs.Parse(args)

	appID, err := requireID("--app", *app)
	if err != nil {
		return err
	}
	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()
	regions, err := client.ListRegions(ctx, appID)
	if err != nil {
		return err
	}
	for _, r := range regions {
		fmt.Printf("%s\t%s\t%s\n", r.ID, r.Code, r.Name)
	}
	return nil
}

func commandEnvs(args []string) error {
	fs := flag.NewFlagSet("envs", flag.ExitOnError)
	app := fs.String("app", "", "Application identifier")
	region := fs.String("region", "", "Region identifier")
	fs.Parse(args)

	appID, err := requireID("--app", *app)
	if err != nil {
		return err
	}
	regionID, err := requireID("--region", *region)
	if err != nil {
		return err
	}
	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()
	envs, err := client.ListEnvironments(ctx, appID, regionID)
	if err != nil {
		return err
	}
	for _, e := range envs {
		fmt.Printf("%s\t%s\n", e.ID, e.Name)
	}
	return nil
}

func commandHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	sf := scopeFlags(fs)
	byName := fs.Bool("by-name", false, "Treat --app, --region and --env as names instead of identifiers")
	limit := fs.Int("limit", 10, "Maximum number of versions")
	fs.Parse(args)

	var (
		scope domain.Scope
		err   error
	)
	if !*byName {
		if scope, err = sf.scope(); err != nil {
			return err
		}
	}
	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()

	var versions []domain.Version
	if *byName {
		_, versions, err = client.History(ctx, provider.ScopeNames{Application: *sf.app, Region: *sf.region, Environment: *sf.env})
	} else {
		versions, err = client.ListVersions(ctx, scope)
	}
	if err != nil {
		return err
	}
	if *limit > 0 && *limit < len(versions) {
		versions = versions[:*limit]
	}
	for _, v := range versions {
		printVersionLine(v)
	}
	return nil
}

func commandDeployments(args []string) error {
	fs := flag.NewFlagSet("deployments", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Maximum number of versions per scope (server default when 0)")
	fs.Parse(args)

	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()
	rows, err := client.Deployments(ctx, *limit)
	if err != nil {
		return err
	}
	for _, d := range rows {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\t%s\t%s\n", d.Application, d.Environment, d.Region, d.Version, d.Status, d.DeployedBy, d.DeployedAt.Format(time.RFC3339))
	}
	return nil
}

func commandRelease(args []string) error {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	sf := scopeFlags(fs)
	label := fs.String("version", "", "Version label")
	actor := fs.String("actor", "", "Actor recorded when the server runs without authentication")
	fs.Parse(args)

	scope, err := sf.scope()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*label) == "" {
		return errors.New("--version is required")
	}
	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()
	v, err := client.PersistRelease(ctx, scope, *label, *actor)
	if err != nil {
		return err
	}
	fmt.Printf("released %s as %s status=%s\n", v.Label, v.ID, v.Status)
	return nil
}

func commandRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	sf := scopeFlags(fs)
	target := fs.String("target", "", "Version identifier (default: previous version)")
	actor := fs.String("actor", "", "Actor recorded when the server runs without authentication")
	fs.Parse(args)

	scope, err := sf.scope()
	if err != nil {
		return err
	}
	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()

	var v domain.Version
	if strings.TrimSpace(*target) == "" {
		v, err = client.RollbackToPrevious(ctx, scope, *actor)
	} else {
		targetID, perr := domain.ParseID(*target)
		if perr != nil {
			return fmt.Errorf("--target: %w", perr)
		}
		v, err = client.PersistRollback(ctx, scope, targetID, *actor)
	}
	if err != nil {
		return err
	}
	fmt.Printf("rolled back to %s (%s)\n", v.Label, v.ID)
	return nil
}

type scopeFlagSet struct {
	app, region, env *string
}

func scopeFlags(fs *flag.FlagSet) scopeFlagSet {
	return scopeFlagSet{
		app:    fs.String("app", "", "Application identifier"),
		region: fs.String("region", "", "Region identifier"),
		env:    fs.String("env", "", "Environment identifier"),
	}
}

func (s scopeFlagSet) scope() (domain.Scope, error) {
	appID, err := requireID("--app", *s.app)
	if err != nil {
		return domain.Scope{}, err
	}
	regionID, err := requireID("--region", *s.region)
	if err != nil {
		return domain.Scope{}, err
	}
	envID, err := requireID("--env", *s.env)
	if err != nil {
		return domain.Scope{}, err
	}
	return domain.Scope{ApplicationID: appID, EnvironmentID: envID, RegionID: regionID}, nil
}

func requireID(flagName, raw string) (domain.ID, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%s is required", flagName)
	}
	id, err := domain.ParseID(raw)
	if err != nil {
		return "", fmt.Errorf("%s: %w", flagName, err)
	}
	return id, nil
}

func printVersionLine(v domain.Version) {
	marker := " "
	if v.Active() {
		marker = "*"
	}
	fmt.Printf("%s %s\t%s\t%s\t%s\t%s\n", marker, v.ID, v.Label, v.Status, v.DeployedBy, v.DeployedAt.Format(time.RFC3339))
}

// connect builds a client from the saved configuration. The returned
// context is bounded by requestTimeout.
func connect() (*httpapi.Client, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := httpapi.New(cfg.APIBaseURL, httpapi.WithToken(cfg.AccessToken))
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	return client, ctx, cancel, nil
}

func prompt(label string) (string, error) {
	fmt.Print(label)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bytes)), nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
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
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "heirloom", "config.json"), nil
}

func printUsage() {
	fmt.Printf("heirloomctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	heirloomctl login [--api http://localhost:4000] [--token jwt]
	heirloomctl token --user <id> [--name actor] [--ttl 12h]
	heirloomctl apps
	heirloomctl regions --app <app-id>
	heirloomctl envs --app <app-id> --region <region-id>
	heirloomctl history --app <app-id> --region <region-id> --env <env-id> [--limit N]
	heirloomctl history --by-name --app <name> --region <code> --env <name> [--limit N]
	heirloomctl deployments [--limit N]
	heirloomctl release --app <app-id> --region <region-id> --env <env-id> --version <label>
	heirloomctl rollback --app <app-id> --region <region-id> --env <env-id> [--target <version-id>]
	heirloomctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
