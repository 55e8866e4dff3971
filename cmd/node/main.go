// Command node starts a Magic Tree chain node.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/persy858/magictree/config"
	"github.com/persy858/magictree/consensus"
	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/crypto/certgen"
	"github.com/persy858/magictree/events"
	"github.com/persy858/magictree/fhe"
	"github.com/persy858/magictree/indexer"
	"github.com/persy858/magictree/oracle"
	"github.com/persy858/magictree/rpc"
	"github.com/persy858/magictree/storage"
	"github.com/persy858/magictree/vm"
	"github.com/persy858/magictree/wallet"

	// Import VM modules to trigger their init() self-registration.
	_ "github.com/persy858/magictree/vm/modules/redeem"
	_ "github.com/persy858/magictree/vm/modules/token"
	_ "github.com/persy858/magictree/vm/modules/tree"
)

var log = logrus.WithField("component", "node")

func main() {
	app := cli.NewApp()
	app.Name = "magictree"
	app.Usage = "Magic Tree chain node"
	app.Version = "0.1.0"
	app.Writer = os.Stdout
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Value: "config.yaml",
			Usage: "path to config file",
		},
		cli.StringFlag{
			Name:  "key",
			Value: "validator.key",
			Usage: "path to keystore file",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable debug logging",
		},
	}
	app.Before = func(c *cli.Context) error {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if c.GlobalBool("verbose") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	app.Action = runNode
	app.Commands = []cli.Command{
		{
			Name:   "genkey",
			Usage:  "generate a new validator key and exit",
			Action: genKey,
		},
		{
			Name:      "gencerts",
			Usage:     "generate CA + node TLS certs into the given directory and exit",
			ArgsUsage: "<dir>",
			Action:    genCerts,
		},
		{
			Name:  "oracle",
			Usage: "run a standalone decryption oracle worker connecting to a node's bridge",
			Flags: []cli.Flag{
				cli.Uint64Flag{
					Name:  "nonce",
					Usage: "oracle account's current on-chain nonce",
				},
			},
			Action: runOracle,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// keystorePassword reads the keystore password from the environment.
// CLI flags leak via ps, so only the env var is supported.
func keystorePassword() string {
	password := os.Getenv("MT_PASSWORD")
	if password == "" {
		log.Warn("MT_PASSWORD not set, keystore will use an empty password")
	}
	return password
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("config file not found at %s, using defaults", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func genKey(c *cli.Context) error {
	keyPath := c.GlobalString("key")
	w, err := wallet.Generate()
	if err != nil {
		return err
	}
	if err := wallet.SaveKey(keyPath, keystorePassword(), w.PrivKey()); err != nil {
		return err
	}
	fmt.Printf("Generated key. Public key (address): %s\n", w.PubKey())
	fmt.Printf("Saved to: %s\n", keyPath)
	return nil
}

func genCerts(c *cli.Context) error {
	dir := c.Args().First()
	if dir == "" {
		return fmt.Errorf("usage: magictree gencerts <dir>")
	}
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if err := certgen.GenerateAll(dir, cfg.NodeID, nil); err != nil {
		return err
	}
	fmt.Printf("Certificates generated in %s for node %q\n", dir, cfg.NodeID)
	return nil
}

// runOracle runs the remote decryption worker. It signs redemption callbacks
// with its own key, so that key must match the oracle identity pinned at
// genesis, and --nonce must match the oracle account's on-chain nonce.
func runOracle(c *cli.Context) error {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if cfg.Oracle.ListenAddr == "" {
		return fmt.Errorf("oracle.listen_addr required for remote worker mode")
	}
	priv, err := wallet.LoadKey(c.GlobalString("key"), keystorePassword())
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	worker := oracle.NewRemoteWorker(
		cfg.Oracle.ListenAddr,
		[]byte(cfg.Oracle.Secret),
		wallet.New(priv),
		cfg.Genesis.ChainID,
		c.Uint64("nonce"),
		time.Duration(cfg.Oracle.DelayMs)*time.Millisecond,
		tlsCfg,
	)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		worker.Stop()
	}()
	log.Infof("oracle worker %s dialing bridge %s", priv.Public().Hex(), cfg.Oracle.ListenAddr)
	worker.Run()
	return nil
}

func runNode(c *cli.Context) error {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	privKey, err := wallet.LoadKey(c.GlobalString("key"), keystorePassword())
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}
	pubHex := privKey.Public().Hex()

	// Single-node dev convenience: an empty validator set, owner or oracle
	// identity defaults to the local key.
	if len(cfg.Validators) == 0 {
		cfg.Validators = []string{pubHex}
	}
	if cfg.Genesis.Owner == "" {
		cfg.Genesis.Owner = pubHex
	}
	if cfg.Oracle.PubKey == "" {
		cfg.Oracle.PubKey = pubHex
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	state := storage.NewStateDB(db)
	blockStore := storage.NewLevelBlockStore(db)

	bc := core.NewBlockchain(blockStore)
	if err := bc.Init(); err != nil {
		return fmt.Errorf("blockchain init: %w", err)
	}

	if bc.Tip() == nil {
		genesisBlock, err := config.CreateGenesisBlock(cfg, state, privKey)
		if err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
		if err := bc.AddBlock(genesisBlock); err != nil {
			return fmt.Errorf("add genesis: %w", err)
		}
		log.Infof("genesis block committed: %s", genesisBlock.Hash)
	}

	emitter := events.NewEmitter()
	idx := indexer.New(db, emitter)
	mempool := core.NewMempool()

	gateway := fhe.NewGateway(db, []byte(cfg.Oracle.Secret), cfg.Genesis.ChainID)
	exec := vm.NewExecutor(state, emitter, gateway, cfg.Genesis.ChainID)
	poa := consensus.New(cfg, bc, state, mempool, exec, emitter, privKey)

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	// Decryption oracle: either an in-process worker or a bridge that
	// remote workers dial into.
	oracleDelay := time.Duration(cfg.Oracle.DelayMs) * time.Millisecond
	if cfg.Oracle.Embedded {
		if cfg.Oracle.PubKey != pubHex {
			return fmt.Errorf("embedded oracle requires the node key to match oracle.pub_key (got %s, want %s)", pubHex, cfg.Oracle.PubKey)
		}
		worker := oracle.NewWorker(gateway, mempool, state, wallet.New(privKey), cfg.Genesis.ChainID, oracleDelay)
		worker.Attach(emitter)
		worker.Start()
		defer worker.Stop()
		log.Info("embedded oracle worker running")
	} else {
		if cfg.Oracle.ListenAddr == "" {
			return fmt.Errorf("oracle.listen_addr required when oracle is not embedded")
		}
		bridge := oracle.NewBridge(cfg.Oracle.ListenAddr, []byte(cfg.Oracle.Secret), gateway, mempool, tlsCfg)
		bridge.Attach(emitter)
		if err := bridge.Start(); err != nil {
			return fmt.Errorf("oracle bridge: %w", err)
		}
		defer bridge.Stop()
		log.Infof("oracle bridge listening on %s", cfg.Oracle.ListenAddr)
		if tlsCfg != nil {
			log.Info("mTLS enabled for oracle bridge")
		}
	}

	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(bc, mempool, state, idx, gateway, cfg.Genesis.ChainID)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		return fmt.Errorf("rpc start: %w", err)
	}
	defer rpcServer.Stop()
	log.Infof("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Info("RPC Bearer token authentication enabled")
	}

	interval := time.Duration(cfg.BlockIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		poa.Run(interval, done)
	}()
	log.Infof("consensus running (validator: %s)", pubHex)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	// Stop consensus first so no new blocks are written; the deferred
	// stops then run in LIFO order down to db.Close.
	close(done)
	wg.Wait()
	log.Info("shutdown complete")
	return nil
}
