// Command adqkeygen generates an RSA-2048 key pair and writes it as a
// pair of PEM files, for provisioning a new client or the utility.
package main

import (
	"fmt"
	"os"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/dedis/adq/crypto"
	"github.com/dedis/onet/log"
)

func main() {
	app := cli.NewApp()
	app.Name = "adqkeygen"
	app.Usage = "generate an RSA-2048 key pair for an ADQ node"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "out", Value: "node", Usage: "base name for the generated .key/.pub files"},
	}
	app.Action = func(c *cli.Context) error {
		base := c.String("out")
		priv, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := crypto.WritePrivateKeyPEM(base+".key", priv); err != nil {
			return err
		}
		if err := crypto.WritePublicKeyPEM(base+".pub", &priv.PublicKey); err != nil {
			return err
		}
		log.Lvl1("wrote", base+".key", "and", base+".pub")
		return nil
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
