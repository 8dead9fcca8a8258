package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"formline/internal/app"
	"formline/internal/config"
	"formline/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Formline CLI",
	Long: `Formline defines versioned questions and programs and walks applicants through them.
- Questions: reusable definitions (text, number, choice, enumerator...) with draft, active and obsolete versions.
- Programs: ordered blocks of questions; a block may carry a show_if or hide_if predicate over earlier answers.
- Publish: promotes drafts to active in one step and pins programs to the active question versions.
- Applications: one per applicant and program version; answers are validated a block at a time.
- Event log: every lifecycle change, view with 'fl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return loadDotEnv(workspace)
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FORMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-admin", "actor identifier recorded in events and used as applicant")
	flags.String("log-level", "", "override log.level")
	flags.String("locks-backend", "", "override locks.backend (memory or redis)")
	flags.String("redis-addr", "", "override locks.redis_addr")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "locks-backend", "redis-addr"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(questionCmd())
	rootCmd.AddCommand(programCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

// loadDotEnv reads <workspace>/.env without overriding variables already set.
func loadDotEnv(workspace string) error {
	err := godotenv.Load(filepath.Join(workspace, ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// loadConfig reads formline.yml and layers flag and FORMLINE_* overrides on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("locks-backend"); v != "" {
		cfg.Locks.Backend = v
	}
	if v := viper.GetString("redis-addr"); v != "" {
		cfg.Locks.RedisAddr = v
	}
	if viper.IsSet("allow-actor-header") {
		cfg.Auth.AllowActorHeader = viper.GetBool("allow-actor-header")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg})
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any, table func()) error {
	if viper.GetBool("json") || table == nil {
		return printJSON(v)
	}
	table()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// since renders an RFC3339 timestamp relative to now.
func since(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

// readDefinition decodes a YAML or JSON file into v using its json tags.
func readDefinition(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return decodeDefinition(data, v)
}

func decodeDefinition(data []byte, v any) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(buf)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}
	return nil
}
