// Command reportd runs the per-user problem-reporting orchestration
// service: it exposes Service/Task/Prompt objects on the bus, materialises
// a problem store entry into a local working directory, and drives a
// workflow's event chain against it.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reportd/reportd/internal/daemon"
	"github.com/reportd/reportd/internal/logging"
)

var (
	systemBus      bool
	debug          bool
	cacheRoot      string
	workflowDir    string
	eventConfigDir string
	metricsAddr    string
)

var rootCmd = &cobra.Command{
	Use:   "reportd",
	Short: "Orchestrates problem-reporting workflows over the message bus",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVar(&systemBus, "system", false, "serve on the system bus instead of the session bus")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	flags.StringVar(&cacheRoot, "cache-root", "", "override the working-directory cache root (default: $XDG_RUNTIME_DIR/reportd)")
	flags.StringVar(&workflowDir, "workflow-dir", "", "directory of *.workflow.yaml descriptors")
	flags.StringVar(&eventConfigDir, "event-config-dir", "", "directory of event/analyzer descriptors")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables the listener)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	logging.Configure(debug)
	log := logging.New("main")

	d, err := daemon.New(daemon.Options{
		System:         systemBus,
		CacheRoot:      cacheRoot,
		WorkflowDir:    workflowDir,
		EventConfigDir: eventConfigDir,
		Debug:          debug,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Start(); err != nil {
		return err
	}
	log.Logf("ready, serving %s", busDescription())

	if metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(metricsAddr, d.MetricsHandler()); err != nil {
				log.Errorf("metrics listener stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Logf("received %s, shutting down", sig)
		d.Quit(nil)
	}()

	return d.Wait()
}

func busDescription() string {
	if systemBus {
		return "the system bus"
	}
	return "the session bus"
}
