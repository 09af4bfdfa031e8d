package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nao1215/apigw/internal/config"
	"github.com/nao1215/apigw/internal/gateway"
)

// version はビルド時に -ldflags で埋め込む。
var version = "dev"

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:           "gateway",
		Short:         "REST API Gateway",
		Long:          "Bearer JWT または X-Api-Key で呼び出し元を識別し、Tierごとのレート制限を掛けてバックエンドに転送する。",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
			}
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "設定ファイル（YAML/JSON/TOML）のパス")

	root.AddCommand(newServeCmd(v), newRoutesCmd(v), newVersionCmd())
	return root
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Gatewayを起動する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.IsProduction() {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := gateway.Build(ctx, cfg, logger, version)
			if err != nil {
				return err
			}
			defer func() {
				if err := srv.Close(); err != nil {
					logger.Warn("接続の解放に失敗しました", zap.Error(err))
				}
			}()

			logger.Info("Gatewayを起動します",
				zap.String("version", version),
				zap.String("env", cfg.Env),
				zap.String("port", cfg.Port),
				zap.Int("routes", len(srv.Routes())),
				zap.Strings("stages", srv.Pipeline().Names()),
			)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().String("port", "", "公開リスナーのポート（PORT）")
	cmd.Flags().String("metrics-addr", "", "管理用リスナーのアドレス（METRICS_ADDR）")
	cmd.Flags().String("log-level", "", "ログレベル（LOG_LEVEL）")
	_ = v.BindPFlag(config.KeyPort, cmd.Flags().Lookup("port"))
	_ = v.BindPFlag(config.KeyMetricsAddr, cmd.Flags().Lookup("metrics-addr"))
	_ = v.BindPFlag(config.KeyLogLevel, cmd.Flags().Lookup("log-level"))
	return cmd
}

func newRoutesCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "ルート表を表示する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPREFIX\tTARGET\tREWRITE")
			for _, r := range cfg.Routes {
				rewrite := "-"
				if r.Rewrite.From != "" {
					rewrite = r.Rewrite.From + " -> " + r.Rewrite.To
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, r.Prefix, r.Target, rewrite)
			}
			return w.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "バージョンを表示する",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
