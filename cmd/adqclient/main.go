// Command adqclient runs one client node of an ADQ federation: it loads
// its own smart-meter curves and key material, connects to the utility
// and its peers, and drives the query lifecycle ClientNode implements.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	cli "gopkg.in/urfave/cli.v1"
	"golang.org/x/net/context"

	adqconfig "github.com/dedis/adq/config"
	adqcrypto "github.com/dedis/adq/crypto"
	"github.com/dedis/adq/client"
	"github.com/dedis/adq/message"
	"github.com/dedis/adq/meterdata"
	"github.com/dedis/adq/network"
	"github.com/dedis/adq/overlay"
	"github.com/dedis/adq/protocol"
	"github.com/dedis/adq/timer"
	"github.com/dedis/onet/log"
)

func main() {
	app := cli.NewApp()
	app.Name = "adqclient"
	app.Usage = "run one ADQ client node"
	app.ArgsUsage = "<power-file> <freq-file> <prob-file> <saturation-file> [config-file]"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "id", Usage: "this node's id in the client list (required)"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	args := c.Args()
	if len(args) < 4 {
		return fmt.Errorf("adqclient: expected <power-file> <freq-file> <prob-file> <saturation-file> [config-file]")
	}
	configPath := "adq.conf"
	if len(args) >= 5 {
		configPath = args[4]
	}
	if !c.IsSet("id") {
		return fmt.Errorf("adqclient: -id is required")
	}
	self := message.NodeID(c.Int("id"))

	cfg, err := adqconfig.Load(configPath)
	if err != nil {
		return err
	}
	dir := filepath.Dir(configPath)

	clients, err := adqconfig.LoadClientList(resolve(dir, cfg.Setup.ClientListFile))
	if err != nil {
		return err
	}

	clientIDs := make([]message.NodeID, len(clients))
	addrs := map[message.NodeID]string{message.UtilityID: cfg.Setup.ServerAddress}
	var selfAddr string
	for i, entry := range clients {
		clientIDs[i] = entry.ID
		addrs[entry.ID] = entry.Address
		if entry.ID == self {
			selfAddr = entry.Address
		}
	}
	if selfAddr == "" {
		return fmt.Errorf("adqclient: id %d not found in client list", self)
	}

	keysDir := resolve(dir, cfg.Setup.KeysDir)
	priv, err := adqconfig.LoadPrivateKey(filepath.Join(keysDir, fmt.Sprintf("%d.key", self)))
	if err != nil {
		return err
	}
	utilityPub, err := adqconfig.LoadPublicKey(filepath.Join(keysDir, "utility.pub"))
	if err != nil {
		return err
	}
	peerIDs := make([]message.NodeID, 0, len(clientIDs))
	for _, id := range clientIDs {
		if id != self {
			peerIDs = append(peerIDs, id)
		}
	}
	peers, err := adqconfig.LoadPeerKeys(keysDir, peerIDs)
	if err != nil {
		return err
	}

	keys := &adqcrypto.KeySet{Self: self, Private: priv, Utility: utilityPub, Peers: peers}
	codec := meterdata.Codec{}
	engine := adqcrypto.New(keys, codec)

	manifest, err := meterdata.LoadManifest(resolve(dir, "meterdata.toml"))
	if err != nil {
		return err
	}
	power, err := meterdata.LoadCurve(args[0])
	if err != nil {
		return err
	}
	freq, err := meterdata.LoadCurve(args[1])
	if err != nil {
		return err
	}
	prob, err := meterdata.LoadCurve(args[2])
	if err != nil {
		return err
	}
	saturation, err := meterdata.LoadCurve(args[3])
	if err != nil {
		return err
	}
	household := meterdata.NewHousehold(power, freq, prob, saturation, manifest, cfg.Simulation.Seed+int64(self))

	router, err := overlay.NewRouter(len(clients), cfg.Setup.GroupCount)
	if err != nil {
		return err
	}

	messenger := network.New(self, codec, addrs, 256)
	if err := messenger.Listen(context.Background(), selfAddr); err != nil {
		return err
	}
	defer messenger.Close()

	timers := timer.New(64)
	params := protocol.NewParams(len(clients), cfg.Setup.FaultTolerance)
	proto := protocol.New(self, params, engine, router, messenger, timers, meterdata.Combiner{}, acceptLogger{self})

	node := client.New(self, proto, messenger, timers, household, roundPeriod(cfg.Setup.RoundPeriod))

	log.Lvl1("adqclient:", self, "listening on", selfAddr)
	return node.Run(context.Background())
}

type acceptLogger struct{ self message.NodeID }

func (a acceptLogger) Accept(c *message.ValueContribution) {
	log.Lvl3("adqclient:", a.self, "accepted a contribution into AGGREGATE")
}

func roundPeriod(d time.Duration) time.Duration {
	if d <= 0 {
		return 200 * time.Millisecond
	}
	return d
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
