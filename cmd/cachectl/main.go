// cachectl 是访问层持久缓存的命令行管理工具。
//
// 用法:
//
//	cachectl [全局选项] <命令> [命令参数]
//
// 命令:
//
//	stats             查看缓存统计
//	sweep             清理过期条目
//	clear --source X  清空某个来源的全部条目
//	providers         列出提供商配置
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"finapi/pkg/apiclient"
	"finapi/pkg/config"
	"finapi/pkg/logger"
)

func main() {
	if err := createApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

func createApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "cachectl",
		Usage: "访问层缓存管理工具",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径",
			},
			&cli.StringFlag{
				Name:  "path",
				Usage: "SQLite 缓存文件路径，覆盖配置文件",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "以 JSON 格式输出",
			},
		},
		Writer: out,
		Commands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "查看缓存统计",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withRegistry(ctx, cmd, func(reg *apiclient.Registry) error {
						st, err := reg.CacheStats(ctx)
						if err != nil {
							return err
						}
						if cmd.Bool("json") {
							return writeJSON(cmd.Root().Writer, st)
						}
						w := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
						fmt.Fprintf(w, "后端\t%s\n", st.Backend)
						fmt.Fprintf(w, "位置\t%s\n", st.Location)
						fmt.Fprintf(w, "条目总数\t%d\n", st.TotalEntries)
						fmt.Fprintf(w, "最近一小时写入\t%d\n", st.RecentEntries)
						for source, n := range st.BySource {
							fmt.Fprintf(w, "  %s\t%d\n", source, n)
						}
						return w.Flush()
					})
				},
			},
			{
				Name:  "sweep",
				Usage: "清理过期条目",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withRegistry(ctx, cmd, func(reg *apiclient.Registry) error {
						n, err := reg.ClearExpiredCache(ctx)
						if err != nil {
							return err
						}
						fmt.Fprintf(cmd.Root().Writer, "已清理 %d 条过期缓存\n", n)
						return nil
					})
				},
			},
			{
				Name:  "clear",
				Usage: "清空某个来源的全部条目",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "source",
						Aliases:  []string{"s"},
						Usage:    "提供商名称",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					source := cmd.String("source")
					return withRegistry(ctx, cmd, func(reg *apiclient.Registry) error {
						n, err := reg.Store().ClearSource(ctx, source)
						if err != nil {
							return err
						}
						fmt.Fprintf(cmd.Root().Writer, "已清理来源 %s 的 %d 条缓存\n", source, n)
						return nil
					})
				},
			},
			{
				Name:  "providers",
				Usage: "列出提供商配置",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					rates, err := cfg.RateTable()
					if err != nil {
						return err
					}

					configs := make([]config.ProviderConfig, 0)
					for _, name := range rates.Names() {
						configs = append(configs, rates.Get(name))
					}
					if cmd.Bool("json") {
						return writeJSON(cmd.Root().Writer, configs)
					}

					w := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "NAME\tRPS\tRETRIES\tBACKOFF\tTTL(min)\tTIMEOUT(s)\tTHRESHOLD")
					for _, p := range configs {
						fmt.Fprintf(w, "%s\t%g\t%d\t%g\t%d\t%d\t%d\n",
							p.Name, p.RequestsPerSecond, p.MaxRetries, p.BackoffFactor,
							p.CacheTTLMinutes, p.TimeoutSeconds, p.BreakerThreshold())
					}
					return w.Flush()
				},
			},
		},
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if path := cmd.String("path"); path != "" {
		cfg.SetCachePath(path)
	}
	// 命令行工具只输出警告以上的日志
	cfg.Logger.Level = "warn"
	logger.Init(cfg.Logger)
	return cfg, nil
}

func withRegistry(ctx context.Context, cmd *cli.Command, fn func(reg *apiclient.Registry) error) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, err := apiclient.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, reg.Close())
	}()
	return fn(reg)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
