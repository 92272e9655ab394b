package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"svcweave/internal/description"
	"svcweave/internal/logging"
)

func usage() {
	fmt.Fprintf(os.Stderr, "svcweave - service description and remote call tool\n\n")
	fmt.Fprintf(os.Stderr, "Usage: svcweave <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  validate <file>             Validate a service description\n")
	fmt.Fprintf(os.Stderr, "  openapi <file>              Print the OpenAPI 3 export of a description\n")
	fmt.Fprintf(os.Stderr, "  call [options]              Resolve a service and execute one operation\n\n")
	fmt.Fprintf(os.Stderr, "Call options:\n")
	fmt.Fprintf(os.Stderr, "  --config <path>             Process config (default: ./svcweave.yaml)\n")
	fmt.Fprintf(os.Stderr, "  --service <name>            Service name\n")
	fmt.Fprintf(os.Stderr, "  --api <n>                   Service API version\n")
	fmt.Fprintf(os.Stderr, "  --url <ref>                 directory, directory://<host> or https://host[:port] (default: directory)\n")
	fmt.Fprintf(os.Stderr, "  --op <operation>            Operation name\n")
	fmt.Fprintf(os.Stderr, "  --param k=v                 Parameter, repeatable; values are read as JSON, else as strings\n")
	fmt.Fprintf(os.Stderr, "  --body <json>               JSON object body\n")
	fmt.Fprintf(os.Stderr, "  --user, --password          Basic credentials\n\n")
	fmt.Fprintf(os.Stderr, "Logging:\n")
	fmt.Fprintf(os.Stderr, "  --log-format <format>       text, json or auto (default: auto)\n")
	fmt.Fprintf(os.Stderr, "  --log-level <level>         debug, info, warn, error (default: warn)\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var code int
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "validate":
		code = runValidate(args)
	case "openapi":
		code = runOpenAPI(ctx, args)
	case "call":
		code = runCall(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		code = 2
	}
	stop()
	os.Exit(code)
}

func runValidate(args []string) int {
	logger := logging.Setup("auto", "info")
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: svcweave validate <file>")
		return 2
	}
	svc, err := description.LoadFile(args[0])
	if err != nil {
		logger.Error("invalid service description", "file", args[0], "error", err)
		return 1
	}
	logger.Info("service description is valid",
		"service", svc.IdentificationName(),
		"operations", len(svc.Operations),
		"dependencies", len(svc.Dependencies))
	return 0
}

func runOpenAPI(ctx context.Context, args []string) int {
	logger := logging.Setup("auto", "warn")
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: svcweave openapi <file>")
		return 2
	}
	svc, err := description.LoadFile(args[0])
	if err != nil {
		logger.Error("invalid service description", "file", args[0], "error", err)
		return 1
	}
	doc, err := description.OpenAPI(ctx, svc)
	if err != nil {
		logger.Error("openapi export", "error", err)
		return 1
	}
	return printJSON(logger, doc)
}

func printJSON(logger *slog.Logger, v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Error("write output", "error", err)
		return 1
	}
	return 0
}
