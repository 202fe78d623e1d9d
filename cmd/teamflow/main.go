// =============================================================================
// teamflow 主入口
// =============================================================================
// 服务入口点：HTTP/WebSocket 事件流、健康检查、Prometheus 指标、数据库迁移
//
// 使用方法:
//
//	teamflow serve                                # 启动服务
//	teamflow serve --config config.yaml           # 指定配置文件
//	teamflow replay --file run.jsonl --message hi # 离线重放一段录制
//	teamflow version                              # 显示版本信息
//	teamflow health                               # 健康检查
//	teamflow migrate up                           # 运行数据库迁移
//	teamflow migrate down                         # 回滚最后一次迁移
//	teamflow migrate status                       # 查看迁移状态
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/teamflow/api"
	"github.com/BaSui01/teamflow/config"
	"github.com/BaSui01/teamflow/graph/replay"
	"github.com/BaSui01/teamflow/internal/logging"
	"github.com/BaSui01/teamflow/internal/migration"
	"github.com/BaSui01/teamflow/internal/tlsutil"
	"github.com/BaSui01/teamflow/types"
	"github.com/BaSui01/teamflow/workflow"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "replay":
		err = runReplay(ctx, os.Args[2:], os.Stdout)
	case "migrate":
		err = runMigrate(ctx, os.Args[2:])
	case "health":
		err = runHealthCheck(os.Args[2:], os.Stdout)
	case "version":
		printVersion(os.Stdout)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

// loadConfig 加载并验证配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader().WithValidator(validateTLSFiles)
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// validateTLSFiles 证书与私钥必须成对配置且可读
func validateTLSFiles(cfg *config.Config) error {
	cert, key := cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile
	if cert == "" && key == "" {
		return nil
	}
	if cert == "" || key == "" {
		return errors.New("server.tls_cert_file and server.tls_key_file must be set together")
	}
	for _, f := range []string{cert, key} {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("tls file: %w", err)
		}
	}
	return nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	levels, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer levels.Close()

	logger := levels.Logger(logging.RootNamespace)
	logger.Info("starting teamflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	srv, err := NewServer(cfg, *configPath, levels)
	if err != nil {
		return err
	}
	if err := srv.Run(ctx); err != nil {
		return err
	}

	logger.Info("teamflow stopped")
	return nil
}

// =============================================================================
// 🔁 replay 命令
// =============================================================================

// messageFlags 可重复的 --message 参数
type messageFlags []string

func (m *messageFlags) String() string { return strings.Join(*m, ", ") }

func (m *messageFlags) Set(v string) error {
	*m = append(*m, v)
	return nil
}

// runReplay 将录制的原始事件送入翻译器，每行输出一个 JSON 事件
func runReplay(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	file := fs.String("file", "", "Path to a JSONL recording of raw graph events")
	debug := fs.Bool("debug", false, "Enable debug logging")
	logLevel := fs.String("log-level", "warn", "Log level (written to stderr)")
	var messages messageFlags
	fs.Var(&messages, "message", "User message (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}
	if len(messages) == 0 {
		messages = messageFlags{"replay"}
	}

	logCfg := config.DefaultLogConfig()
	logCfg.Level = *logLevel
	logCfg.Format = "console"
	logCfg.OutputPaths = []string{"stderr"}
	levels, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer levels.Close()

	graph := replay.New(*file, replay.WithLogger(levels.Logger("teamflow.graph")))
	runner := workflow.NewRunner(graph, workflow.WithLevels(levels))

	input := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		input = append(input, types.NewUserMessage(m))
	}

	stream, err := runner.Run(ctx, input, *debug)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for res := range stream {
		if res.Err != nil {
			_ = enc.Encode(api.Frame{Event: api.EventError, Data: api.NewStreamError(res.Err)})
			return res.Err
		}
		if err := enc.Encode(res.Event); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	return ctx.Err()
}

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

func runMigrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: teamflow migrate [--config path | --db-type t --db-url u] <command>\n\n%s\n", migration.Usage)
	}
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := zap.NewNop()
	if os.Getenv("TEAMFLOW_MIGRATE_VERBOSE") != "" {
		logger, _ = zap.NewDevelopment()
	}

	var (
		migrator *migration.DefaultMigrator
		err      error
	)
	if *dbType != "" && *dbURL != "" {
		migrator, err = migration.NewMigratorFromURL(*dbType, *dbURL, logger)
	} else {
		cfg, loadErr := config.NewLoader().WithConfigPath(*configPath).Load()
		if loadErr != nil {
			return fmt.Errorf("failed to load config: %w", loadErr)
		}
		if *dbType != "" {
			cfg.Database.Driver = *dbType
		}
		migrator, err = migration.NewMigratorFromConfig(cfg, logger)
	}
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	return migration.NewCLI(migrator).Execute(ctx, fs.Args())
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8000", "Server address")
	path := fs.String("path", "/health", "Endpoint to probe (/health or /ready)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := tlsutil.SecureHTTPClient(5 * time.Second)
	resp, err := client.Get(strings.TrimRight(*addr, "/") + *path)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	fmt.Fprintln(out, "OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "teamflow %s\n", Version)
	fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `teamflow - multi-agent workflow event streaming

Usage:
  teamflow <command> [options]

Commands:
  serve     Start the HTTP/WebSocket server
  replay    Translate a recorded raw event stream and print output events
  migrate   Database migration commands
  health    Check server health
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Options for 'replay':
  --file <path>     JSONL recording, one raw graph event per line
  --message <text>  User message, repeatable
  --debug           Enable debug logging

Examples:
  teamflow serve --config /etc/teamflow/config.yaml
  teamflow replay --file testdata/run.jsonl --message "hello"
  teamflow migrate up
  teamflow migrate status
  teamflow health --addr http://localhost:8000
  teamflow version`)
}
