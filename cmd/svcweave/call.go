package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"svcweave/internal/config"
	"svcweave/internal/description"
	"svcweave/internal/logging"
	"svcweave/internal/message"
	"svcweave/internal/node"
	"svcweave/internal/runtime"
)

// paramFlag collects repeated --param k=v values.
type paramFlag map[string]any

func (p paramFlag) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, k+"="+description.FormatValue(v))
	}
	return strings.Join(parts, ",")
}

// Set reads the value as JSON so numbers and booleans keep their type, and
// falls back to the raw string.
func (p paramFlag) Set(s string) error {
	name, raw, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("parameter %q must be name=value", s)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v = raw
	}
	switch v.(type) {
	case map[string]any, []any, nil:
		v = raw
	}
	p[name] = v
	return nil
}

func runCall(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	configPath := fs.String("config", "./svcweave.yaml", "Path to YAML config")
	service := fs.String("service", "", "Service name")
	api := fs.Int("api", 0, "Service API version")
	ref := fs.String("url", "directory", "Service location reference")
	operation := fs.String("op", "", "Operation name")
	body := fs.String("body", "", "JSON object body")
	user := fs.String("user", "", "Basic auth username")
	password := fs.String("password", "", "Basic auth password")
	logFormat := fs.String("log-format", "auto", "Log format: text, json, auto")
	logLevel := fs.String("log-level", "warn", "Log level")
	params := paramFlag{}
	fs.Var(params, "param", "Operation parameter name=value (repeatable)")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := logging.Setup(*logFormat, *logLevel)
	if *service == "" || *api <= 0 || *operation == "" {
		logger.Error("--service, --api and --op are required")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("config file not found, using defaults", "path", *configPath)
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	} else if err != nil {
		logger.Error("config load", "error", err)
		return 1
	}

	call := runtime.Call{Operation: *operation, Parameters: params}
	if *body != "" {
		if err := json.Unmarshal([]byte(*body), &call.Body); err != nil {
			logger.Error("--body is not valid JSON", "error", err)
			return 2
		}
	}
	if *user != "" {
		call.Credentials = &message.Credentials{Username: *user, Password: *password}
	}

	n, err := node.New(cfg, "svcweave-cli", logger)
	if err != nil {
		logger.Error("setup", "error", err)
		return 1
	}
	dep := description.Dependency{Name: *service, API: *api, URL: *ref}
	resp, err := n.Service(dep).Execute(ctx, call)
	if err != nil {
		logger.Error("call failed", "service", dep.String(), "operation", *operation, "error", err)
		return 1
	}

	code := printJSON(logger, map[string]any{
		"status":        resp.Status,
		"statusMessage": resp.StatusMessage,
		"body":          resp.Body,
	})
	if code == 0 && resp.Status >= 400 {
		code = 1
	}
	return code
}
