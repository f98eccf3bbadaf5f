package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"

	"github.com/devserve/devserve/internal/config"
	"github.com/devserve/devserve/internal/logging"
	"github.com/devserve/devserve/internal/server"
	"github.com/devserve/devserve/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	ConfigPath  string `name:"config" env:"DEVSERVE_CONFIG" help:"可选的 TOML 配置文件，环境变量优先级更高。"`
	CheckOnly   bool   `name:"check-config" help:"仅校验配置后退出。"`
	ShowVersion bool   `name:"version" help:"显示版本信息。"`
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.ShowVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("check_config", opts.ConfigPath)
	fields["http_port"] = cfg.HTTPPort
	fields["https"] = cfg.TLSEnabled()
	fields["forwarding"] = cfg.ForwardingEnabled()
	fields["public_dir"] = cfg.PublicDir
	if opts.CheckOnly {
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	fields["action"] = "startup"
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := server.Start(ctx, cfg, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"action": "startup"}).WithError(err).Error("HTTP 服务启动失败")
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	notifySystemd(logger, daemon.SdNotifyReady)

	code := 0
	if err := rt.Wait(ctx); err != nil {
		logger.WithFields(logrus.Fields{"action": "serve"}).WithError(err).Error("HTTP 服务异常退出")
		code = 1
	}

	notifySystemd(logger, daemon.SdNotifyStopping)
	if err := rt.Close(); err != nil {
		logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("关闭监听时出错")
	}
	logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("服务已停止")
	return code
}

// notifySystemd 在 Type=notify 的 unit 下汇报状态；未运行在 systemd 下时为 no-op。
func notifySystemd(logger *logrus.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.WithFields(logrus.Fields{"action": "sd_notify", "state": state}).
			WithError(err).
			Warn("systemd 通知失败")
		return
	}
	if sent {
		logger.WithFields(logrus.Fields{"action": "sd_notify", "state": state}).Debug("已通知 systemd")
	}
}

// parseCLIFlags 解析 CLI 参数；--config 未指定时回退到 DEVSERVE_CONFIG，二者皆空则只读环境变量。
func parseCLIFlags(args []string) (cliOptions, error) {
	var opts cliOptions
	parser, err := kong.New(&opts,
		kong.Name("devserve"),
		kong.Description("静态资源开发服务器，可选把前缀请求转发到上游 API。"),
		kong.Writers(stdOut, stdErr),
		kong.UsageOnError(),
	)
	if err != nil {
		return cliOptions{}, err
	}
	if _, err := parser.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	return opts, nil
}
