package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/okamiyuga/veto/internal/config"
	"github.com/okamiyuga/veto/internal/firewall"
	"github.com/okamiyuga/veto/internal/ledger"
	"github.com/okamiyuga/veto/internal/logger"
	"github.com/okamiyuga/veto/internal/metrics"
	"github.com/okamiyuga/veto/internal/notifier"
	"github.com/okamiyuga/veto/internal/reaction"
	"github.com/okamiyuga/veto/internal/scheduler"
	"github.com/okamiyuga/veto/internal/service"
)

var (
	configPath  string
	storagePath string
	verbosity   int
	useIptables bool
	metricsAddr string
	version     = "dev"
)

func main() {
	log := logger.New()
	logger.SetGlobalLogger(log)

	rootCmd := &cobra.Command{
		Use:     "veto",
		Short:   "Blocks IP addresses that trip rule-defined patterns in watched log files",
		Long:    "veto watches log files for patterns defined in its configuration and blocks offending addresses with ipset or iptables for a configurable timeout.",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log = logger.NewWithVerbosity(verbosity)
			logger.SetGlobalLogger(log)
		},
		RunE: runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("VETO_CONFIG"), "path to the TOML configuration file")
	rootCmd.PersistentFlags().StringVarP(&storagePath, "storage", "s", envOr("VETO_STORAGE", "/var/lib/veto/storage.bin"), "path to the ledger snapshot file")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v, -vv, -vvv)")
	rootCmd.PersistentFlags().BoolVar(&useIptables, "iptables-only", false, "use the dedicated-chain iptables backend instead of ipset")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove firewall rules installed by a previous run",
		RunE:  runUninstall,
	}
	rootCmd.AddCommand(uninstallCmd)

	analyzeCmd := &cobra.Command{
		Use:   "analyze --rule NAME LINE",
		Short: "Run a single log line through a rule's filters and report what matched",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	}
	analyzeCmd.Flags().String("rule", "", "name of the rule to analyze against")
	analyzeCmd.MarkFlagRequired("rule")
	rootCmd.AddCommand(analyzeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadSettings() (*config.Settings, zerolog.Logger, error) {
	log := logger.Global()
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, log.Logger, err
	}
	return settings, log.Logger, nil
}

func buildFirewall(log zerolog.Logger, settings *config.Settings) firewall.Firewall {
	cmdSvc := service.NewCommandService(log)
	if useIptables {
		return firewall.NewIPTables(log, cmdSvc)
	}
	return firewall.NewIPSet(log, cmdSvc, settings.IPSet.Target)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	settings, log, err := loadSettings()
	if err != nil {
		return err
	}

	fw := buildFirewall(log, settings)
	if err := fw.Install(); err != nil {
		return err
	}

	led, err := ledger.Open(log, storagePath, ledgerFlushInterval)
	if err != nil {
		return err
	}
	led.Start()
	defer led.Stop()

	reactor := reaction.New(log, settings.Whitelist, led, fw)
	if err := reactor.PrepareRules(settings.Rules, settings.RuleOrder); err != nil {
		return err
	}
	reactor.Recover()

	watcher, err := notifier.New(log, reactor.Paths())
	if err != nil {
		return err
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		group.Go(func() error {
			if err := metrics.Serve(gctx, metricsAddr); err != nil {
				log.Warn().Err(err).Msg("metrics server exited")
			}
			return nil
		})
	}

	group.Go(func() error {
		return scheduler.Run(gctx, log, watcher, reactor)
	})

	log.Info().Msg("veto started")
	return group.Wait()
}

func runUninstall(cmd *cobra.Command, args []string) error {
	settings, log, err := loadSettings()
	if err != nil {
		return err
	}
	fw := buildFirewall(log, settings)
	if err := fw.Uninstall(); err != nil {
		return err
	}
	log.Info().Msg("firewall rules removed")
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	settings, _, err := loadSettings()
	if err != nil {
		return err
	}
	ruleName, _ := cmd.Flags().GetString("rule")

	reports, err := reaction.Analyze(settings.Rules, ruleName, args[0])
	if err != nil {
		return err
	}

	for _, r := range reports {
		fmt.Printf("filter: %s\n  matched: %v\n", r.Filter, r.Matched)
		if r.HasTime {
			fmt.Printf("  time: %s (outdated: %v)\n", r.Time.Format("2006-01-02T15:04:05Z07:00"), r.Outdated)
		}
		if r.Host != nil {
			fmt.Printf("  host: %s\n", r.Host)
		}
		for _, hit := range r.Blacklist {
			fmt.Printf("  blacklist %s: matched=%v keyword=%q\n", hit.Group, hit.Matched, hit.Keyword)
		}
		fmt.Printf("  convicted: %v\n", r.Convicted)
	}
	return nil
}

const ledgerFlushInterval = 500 * time.Millisecond
