package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"qemunet/pkg/hostsfile"
	"qemunet/pkg/logging"
	"qemunet/pkg/manager"
	"qemunet/pkg/perf"
	"qemunet/pkg/shell"
	"qemunet/pkg/topo"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a topology",
	Long:  "Brings up the named topology, drops into an interactive shell, and tears everything down on exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		topoName, _ := cmd.Flags().GetString("topo")
		baseImage, _ := cmd.Flags().GetString("base-image")
		hostsPath, _ := cmd.Flags().GetString("hosts-file")
		logDir, _ := cmd.Flags().GetString("log-dir")
		runPerf, _ := cmd.Flags().GetBool("perf")

		cfg, err := topo.Resolve(topoName)
		if err != nil {
			return err
		}

		log, logPath, err := logging.Setup(logDir)
		if err != nil {
			return err
		}
		defer log.Sync()
		log.Info("run starting",
			zap.String("topology", cfg.Name),
			zap.String("baseImage", baseImage),
			zap.String("logFile", logPath))

		m, err := manager.New(cfg, manager.Options{
			BaseImage: baseImage,
			HostsPath: hostsPath,
		}, log)
		if err != nil {
			return err
		}

		// Signals tear down before exiting so an interrupted run leaves no
		// stray emulators, taps, bridges, or namespaces behind.
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			log.Warn("signal received, tearing down", zap.String("signal", sig.String()))
			m.StopAll()
			os.Exit(1)
		}()

		if err := m.Start(); err != nil {
			return err
		}

		if runPerf {
			var targets []perf.Target
			for _, h := range m.BootedHosts() {
				targets = append(targets, perf.Target{Name: h.Name(), Runner: h.Runner()})
			}
			if _, err := perf.NewSuite(log).Run(targets, m.Topology(), logDir); err != nil {
				log.Error("performance suite failed", zap.Error(err))
			}
		}

		shell.Run(m.Nodes(), os.Stdin, os.Stdout)

		m.StopAll()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("topo", "t", "", fmt.Sprintf("Built-in topology name %v or a YAML file path", topo.Names()))
	runCmd.Flags().String("base-image", "/var/lib/qemunet/base.qcow2", "Read-only base qcow2 image backing every host overlay")
	runCmd.Flags().String("hosts-file", hostsfile.DefaultPath, "Where to write the synthesized hosts file")
	runCmd.Flags().String("log-dir", "logs", "Directory for run logs and performance reports")
	runCmd.Flags().Bool("perf", false, "Run latency/throughput probes after bring-up")
	_ = runCmd.MarkFlagRequired("topo")
}
