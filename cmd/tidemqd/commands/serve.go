package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mq "github.com/klenin/tidemq"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker front-end and block until terminated",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringSlice("listeners", nil, "override configured listener addresses")
	serveCmd.Flags().String("node_id", "", "override this broker instance's cluster node ID")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := mq.LoadConfig(cfgPath, cmd.Flags())
	if err != nil {
		return err
	}

	opts, err := cfg.ToOptions()
	if err != nil {
		return err
	}

	broker := mq.NewBroker(opts...)
	if err := broker.Serve(); err != nil {
		return err
	}
	defer broker.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}
