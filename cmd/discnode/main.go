// discnode runs a standalone discovery node: it joins the overlay, keeps
// crawling for peers and prints table events. Useful as a bootstrap node.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec"
	log "github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/overmesh/overmesh/crypto"
	"github.com/overmesh/overmesh/p2p/common"
	"github.com/overmesh/overmesh/p2p/discover"
	"github.com/overmesh/overmesh/p2p/netutil"
)

var rootCmd = &cobra.Command{
	Use:          "discnode",
	Short:        "discnode joins the overmesh overlay and discovers peers",
	RunE:         run,
	SilenceUsage: true,
}

func init() {
	fs := rootCmd.Flags()
	fs.String("config", "", "config file (optional)")
	fs.String("listen", "0.0.0.0:30403", "UDP listen address")
	fs.String("datadir", "", "data directory for the node key and node database (empty: ephemeral)")
	fs.String("nodekey", "", "hex-encoded private key file (overrides datadir key)")
	fs.StringSlice("seeds", nil, "seed nodes (<hex id>@<ip>:<port>)")
	fs.String("netrestrict", "", "restrict neighbours to these CIDR masks")
	fs.Bool("allow-local", false, "admit unroutable endpoints into the table")
	fs.String("verbosity", "info", "log level (debug|info|warn|error)")
	viper.BindPFlags(fs)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return errors.Wrap(err, "read config")
		}
	}

	logger := log.New("module", "discnode")
	lvl, err := log.LvlFromString(viper.GetString("verbosity"))
	if err != nil {
		return err
	}
	logger.SetHandler(log.LvlFilterHandler(lvl, log.StdoutHandler))

	key, err := loadOrCreateKey(logger)
	if err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp", viper.GetString("listen"))
	if err != nil {
		return errors.Wrap(err, "resolve listen address")
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrap(err, "open UDP socket")
	}

	var seeds []*common.Node
	for _, s := range viper.GetStringSlice("seeds") {
		n, err := common.ParseNode(s)
		if err != nil {
			return errors.Wrapf(err, "seed %q", s)
		}
		seeds = append(seeds, n)
	}

	var restrict *netutil.Netlist
	if mask := viper.GetString("netrestrict"); mask != "" {
		if restrict, err = netutil.ParseNetlist(mask); err != nil {
			return errors.Wrap(err, "parse netrestrict")
		}
	}

	dbPath := ""
	if dir := viper.GetString("datadir"); dir != "" {
		dbPath = filepath.Join(dir, "nodes")
	}
	store, err := discover.OpenNodeDB(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	cfg := common.Config{
		PrivateKey:          key,
		Enabled:             true,
		AllowLocalEndpoints: viper.GetBool("allow-local"),
		NetRestrict:         restrict,
		SeedNodes:           seeds,
	}
	local := common.Endpoint{IP: addr.IP, UDPPort: uint16(addr.Port), TCPPort: uint16(addr.Port)}
	tab, err := discover.NewNodeTable(conn, local, store, cfg, logger)
	if err != nil {
		return err
	}
	tab.SetEventSink(logSink{logger})
	tab.Start()
	defer tab.Stop()

	self := tab.Self()
	logger.Info("Discovery node up", "id", self.ID, "addr", addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	tick := time.NewTicker(10 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			tab.ProcessEvents()
			logger.Info("Table status", "bucketed", tab.Len(), "known", len(tab.Nodes()))
		case s := <-sig:
			logger.Info("Shutting down", "signal", s)
			tab.ProcessEvents()
			return nil
		}
	}
}

// loadOrCreateKey resolves the node identity: an explicit key file wins,
// then the datadir key, then a fresh ephemeral key.
func loadOrCreateKey(logger log.Logger) (key *btcec.PrivateKey, err error) {
	if file := viper.GetString("nodekey"); file != "" {
		return crypto.LoadKeyFile(file)
	}
	dir := viper.GetString("datadir")
	if dir == "" {
		logger.Warn("No datadir, using an ephemeral node key")
		return crypto.GenerateKey()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	file := filepath.Join(dir, "nodekey")
	if key, err := crypto.LoadKeyFile(file); err == nil {
		return key, nil
	}
	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveKeyFile(file, key); err != nil {
		return nil, errors.Wrap(err, "persist node key")
	}
	return key, nil
}

type logSink struct {
	log log.Logger
}

func (s logSink) NodeEvent(ev common.Event) {
	s.log.Info("Node "+ev.Kind.String(), "id", ev.ID)
}
