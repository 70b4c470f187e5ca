// Package config implements Config (C11): the INI-style setup file and
// whitespace-table client list every cmd/ binary loads at start-up, plus
// the PEM key-file glue (C12) both client and utility use to build a
// crypto.KeySet.
//
// No INI-parsing library appears anywhere in the retrieval pack this
// module is grounded on; see DESIGN.md for why the parser below is
// hand-rolled rather than pulled from the ecosystem.
package config

import (
	"bufio"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dedis/adq/message"
)

// Setup holds the [Setup] section of the configuration file: the cluster
// size, fault tolerance, and timing parameters every node needs to agree
// on before a query can run.
type Setup struct {
	ClusterSize    int
	FaultTolerance int
	GroupCount     int
	RoundPeriod    time.Duration
	ResultTimeout  time.Duration
	ServerAddress  string
	ClientListFile string
	UtilityKeyFile string
	KeysDir        string
}

// Simulation holds the [Simulation] section driving the synthetic
// smart-meter data generator (C14) when no real meter traces are
// supplied on the command line.
type Simulation struct {
	NumQueries    int
	ReadingPeriod time.Duration
	Seed          int64
}

// Config is the parsed contents of one setup file.
type Config struct {
	Setup      Setup
	Simulation Simulation
}

// Load parses an INI-style file with [Setup] and [Simulation] sections of
// "key = value" lines, "#" or ";" starting a comment.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := &Config{
		Setup: Setup{
			GroupCount:    0,
			RoundPeriod:   200 * time.Millisecond,
			ResultTimeout: 30 * time.Second,
		},
		Simulation: Simulation{
			ReadingPeriod: time.Hour,
		},
	}

	section := ""
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, ";") {
			continue
		}
		if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
			section = strings.TrimSpace(text[1 : len(text)-1])
			continue
		}
		key, value, ok := splitKV(text)
		if !ok {
			return nil, fmt.Errorf("config: %s:%d: malformed line %q", path, line, text)
		}
		if err := cfg.assign(section, key, value); err != nil {
			return nil, fmt.Errorf("config: %s:%d: %w", path, line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if cfg.Setup.GroupCount == 0 {
		cfg.Setup.GroupCount = 2*cfg.Setup.FaultTolerance + 1
	}
	return cfg, nil
}

func splitKV(text string) (key, value string, ok bool) {
	i := strings.IndexByte(text, '=')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+1:]), true
}

func (c *Config) assign(section, key, value string) error {
	switch section {
	case "Setup":
		switch key {
		case "cluster_size":
			return assignInt(&c.Setup.ClusterSize, value)
		case "fault_tolerance":
			return assignInt(&c.Setup.FaultTolerance, value)
		case "group_count":
			return assignInt(&c.Setup.GroupCount, value)
		case "round_period":
			return assignDuration(&c.Setup.RoundPeriod, value)
		case "result_timeout":
			return assignDuration(&c.Setup.ResultTimeout, value)
		case "server_address":
			c.Setup.ServerAddress = value
		case "client_list_file":
			c.Setup.ClientListFile = value
		case "utility_key_file":
			c.Setup.UtilityKeyFile = value
		case "keys_dir":
			c.Setup.KeysDir = value
		default:
			return fmt.Errorf("unknown Setup key %q", key)
		}
	case "Simulation":
		switch key {
		case "num_queries":
			return assignInt(&c.Simulation.NumQueries, value)
		case "reading_period":
			return assignDuration(&c.Simulation.ReadingPeriod, value)
		case "seed":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			c.Simulation.Seed = v
		default:
			return fmt.Errorf("unknown Simulation key %q", key)
		}
	default:
		return fmt.Errorf("unknown or missing section %q", section)
	}
	return nil
}

func assignInt(dst *int, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func assignDuration(dst *time.Duration, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// ClientEntry is one line of the client list file: "<id> <ipv4> <port>".
type ClientEntry struct {
	ID      message.NodeID
	Address string
}

// LoadClientList parses a whitespace-separated "<id> <ip> <port>" table,
// one client per line, and validates that the ids form a dense [0, N)
// range of prime cardinality, as the overlay permutation requires.
func LoadClientList(path string) ([]ClientEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open client list %s: %w", path, err)
	}
	defer f.Close()

	var entries []ClientEntry
	seen := make(map[message.NodeID]bool)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("config: %s:%d: expected \"<id> <ip> <port>\", got %q", path, line, text)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("config: %s:%d: bad id %q: %w", path, line, fields[0], err)
		}
		nodeID := message.NodeID(id)
		if seen[nodeID] {
			return nil, fmt.Errorf("config: %s:%d: duplicate id %d", path, line, id)
		}
		seen[nodeID] = true
		entries = append(entries, ClientEntry{ID: nodeID, Address: fields[1] + ":" + fields[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	for i := range entries {
		if !seen[message.NodeID(i)] {
			return nil, fmt.Errorf("config: client ids must be dense in [0, %d), missing %d", len(entries), i)
		}
	}
	if !isPrime(len(entries)) {
		return nil, fmt.Errorf("config: cluster size %d is not prime", len(entries))
	}
	return entries, nil
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

// LoadPrivateKey reads a PKCS#1 PEM-encoded RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read private key %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("config: %s is not a PEM RSA PRIVATE KEY block", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("config: parse private key %s: %w", path, err)
	}
	return key, nil
}

// LoadPeerKeys loads "<id>.pub" for every id in ids from dir, for use as
// a crypto.KeySet.Peers map.
func LoadPeerKeys(dir string, ids []message.NodeID) (map[message.NodeID]*rsa.PublicKey, error) {
	peers := make(map[message.NodeID]*rsa.PublicKey, len(ids))
	for _, id := range ids {
		pub, err := LoadPublicKey(filepath.Join(dir, fmt.Sprintf("%d.pub", id)))
		if err != nil {
			return nil, err
		}
		peers[id] = pub
	}
	return peers, nil
}

// LoadPublicKey reads a PKCS#1 PEM-encoded RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read public key %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "RSA PUBLIC KEY" {
		return nil, fmt.Errorf("config: %s is not a PEM RSA PUBLIC KEY block", path)
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("config: parse public key %s: %w", path, err)
	}
	return pub, nil
}
