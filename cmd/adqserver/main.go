// Command adqserver runs the utility node of an ADQ federation: it loads
// the cluster's configuration and key material, listens for client
// connections, and drives the query lifecycle ServerNode implements.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	cli "gopkg.in/urfave/cli.v1"
	"golang.org/x/net/context"

	adqconfig "github.com/dedis/adq/config"
	adqcrypto "github.com/dedis/adq/crypto"
	"github.com/dedis/adq/message"
	"github.com/dedis/adq/meterdata"
	"github.com/dedis/adq/network"
	"github.com/dedis/adq/server"
	"github.com/dedis/adq/store"
	"github.com/dedis/adq/timer"
	"github.com/dedis/onet/log"
)

// bootLog is used only for command-line and configuration-loading
// failures, before the protocol engine's own onet/log leveled logger
// takes over for everything that happens once a node is actually
// running.
var bootLog = logrus.New()

func main() {
	app := cli.NewApp()
	app.Name = "adqserver"
	app.Usage = "run the ADQ utility node"
	app.ArgsUsage = "[config-file]"
	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "verbose", Usage: "log configuration loading at debug level"},
	}
	app.Before = func(c *cli.Context) error {
		if c.Bool("verbose") {
			bootLog.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		bootLog.WithError(err).Error("adqserver: fatal startup error")
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	configPath := c.Args().First()
	if configPath == "" {
		configPath = "adq.conf"
	}
	cfg, err := adqconfig.Load(configPath)
	if err != nil {
		return err
	}
	bootLog.WithField("config", configPath).Debug("loaded setup file")
	dir := filepath.Dir(configPath)

	clients, err := adqconfig.LoadClientList(resolve(dir, cfg.Setup.ClientListFile))
	if err != nil {
		return err
	}
	if !isPrime(len(clients)) {
		return fmt.Errorf("adqserver: cluster size %d is not prime", len(clients))
	}

	priv, err := adqconfig.LoadPrivateKey(resolve(dir, cfg.Setup.UtilityKeyFile))
	if err != nil {
		return err
	}

	clientIDs := make([]message.NodeID, len(clients))
	addrs := make(map[message.NodeID]string, len(clients))
	for i, entry := range clients {
		clientIDs[i] = entry.ID
		addrs[entry.ID] = entry.Address
	}
	peers, err := adqconfig.LoadPeerKeys(resolve(dir, cfg.Setup.KeysDir), clientIDs)
	if err != nil {
		return err
	}

	keys := &adqcrypto.KeySet{Self: message.UtilityID, Private: priv, Peers: peers}
	codec := meterdata.Codec{}
	engine := adqcrypto.New(keys, codec)

	boltPath := resolve(dir, "results.db")
	resultStore, err := store.Open(boltPath, codec)
	if err != nil {
		return err
	}
	defer resultStore.Close()

	messenger := network.New(message.UtilityID, codec, addrs, 256)
	if err := messenger.Listen(context.Background(), cfg.Setup.ServerAddress); err != nil {
		return err
	}
	defer messenger.Close()

	timers := timer.New(64)
	node := server.New(engine, messenger, timers, resultStore, clientIDs, cfg.Setup.FaultTolerance, cfg.Setup.GroupCount, cfg.Setup.ResultTimeout, func(r server.Result) {
		log.Lvl1("adqserver: query", r.QueryNumber, "finished, quorum_failed =", r.QuorumFailed)
	})

	log.Lvl1("adqserver: listening on", cfg.Setup.ServerAddress, "for", len(clients), "clients")
	ctx := context.Background()
	if err := node.StartQueries(ctx, demoQueries(cfg.Simulation.NumQueries)); err != nil {
		return err
	}
	return node.Run(ctx)
}

func demoQueries(n int) []*message.QueryRequest {
	if n <= 0 {
		n = 1
	}
	out := make([]*message.QueryRequest, n)
	for i := 0; i < n; i++ {
		out[i] = &message.QueryRequest{
			QueryNumber: int32(i + 1),
			SelectOp:    meterdata.OpSelectAll,
			FilterOp:    meterdata.OpFilterThreshold,
			AggregateOp: meterdata.OpAggregateSum,
			FilterArgs:  meterdata.EncodeThreshold(0),
		}
	}
	return out
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func isPrime(n int) bool {
	if n < 2 {
		return false
	}
	for d := 2; d*d <= n; d++ {
		if n%d == 0 {
			return false
		}
	}
	return true
}
