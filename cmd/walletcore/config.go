// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/walletcore/wallet"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wtxmgr"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "walletcore.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "walletcore.log"
	defaultDBFilename     = "wallet.db"
	defaultDBTimeout      = 60 * time.Second
)

var (
	defaultAppDataDir = btcutil.AppDataDir("walletcore", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir,
		defaultConfigFilename)
	defaultLogDir = filepath.Join(defaultAppDataDir, defaultLogDirname)

	errMultipleNetworks = errors.New("the testnet, regtest, signet and " +
		"simnet options can not be used together")
)

type config struct {
	// General application behavior
	ConfigFile  string        `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool          `short:"V" long:"version" description:"Display version information and exit"`
	Create      bool          `long:"create" description:"Create the wallet database if it does not exist"`
	AppDataDir  string        `short:"A" long:"appdata" description:"Application data directory for the wallet database"`
	DBTimeout   time.Duration `long:"dbtimeout" description:"Timeout for obtaining the database lock"`
	LogDir      string        `long:"logdir" description:"Directory to log output."`
	DebugLevel  string        `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, or <subsystem>=<level>,... to set the level per subsystem"`

	// Network selection
	TestNet3 bool `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`
	SigNet   bool `long:"signet" description:"Use the signet test network"`
	SimNet   bool `long:"simnet" description:"Use the simulation test network"`

	// Accounts
	AccountXPub string `long:"accountxpub" description:"Account level extended key to add as an HD subaccount on creation"`
	Owner       string `long:"owner" description:"Owner nym of the subaccount added with --accountxpub"`

	// Ledger knobs
	ReorgDepth         int32         `long:"reorgdepth" description:"Blocks kept before undo data is pruned, 0 disables pruning"`
	Lookahead          uint32        `long:"lookahead" description:"Unused keys watched past the last used key of every subchain"`
	ReservationTimeout time.Duration `long:"reservationtimeout" description:"How long a reserved output stays leased"`
	SweepInterval      time.Duration `long:"sweepinterval" description:"How often expired reservations are released"`
	QueueSize          int           `long:"queuesize" description:"Blocks buffered ahead of the block writer"`

	// Metrics
	MetricsListen string `long:"metricslisten" description:"Serve prometheus metrics on this interface/port, empty disables"`

	params *chaincfg.Params
	dbPath string
}

// walletConfig returns the runtime knobs of the wallet over db.
func (c *config) walletConfig() wallet.Config {
	cfg := wallet.DefaultConfig()
	cfg.ChainParams = c.params
	cfg.ReorgDepth = c.ReorgDepth
	cfg.Lookahead = c.Lookahead
	cfg.ReservationTimeout = c.ReservationTimeout
	cfg.SweepInterval = c.SweepInterval
	cfg.QueueSize = c.QueueSize

	return cfg
}

// accountKey parses --accountxpub for the active network. It returns nil
// when the option is unset.
func (c *config) accountKey() (*hdkeychain.ExtendedKey, error) {
	if c.AccountXPub == "" {
		return nil, nil
	}

	key, err := hdkeychain.NewKeyFromString(c.AccountXPub)
	if err != nil {
		return nil, fmt.Errorf("invalid account key: %w", err)
	}
	if !key.IsForNet(c.params) {
		return nil, fmt.Errorf("account key is not for %s", c.params.Name)
	}

	return key, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultAppDataDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}

// activeNet returns the network selected by the flags.
func activeNet(cfg *config) (*chaincfg.Params, error) {
	params := &chaincfg.MainNetParams

	selected := 0
	if cfg.TestNet3 {
		params = &chaincfg.TestNet3Params
		selected++
	}
	if cfg.RegTest {
		params = &chaincfg.RegressionNetParams
		selected++
	}
	if cfg.SigNet {
		params = &chaincfg.SigNetParams
		selected++
	}
	if cfg.SimNet {
		params = &chaincfg.SimNetParams
		selected++
	}
	if selected > 1 {
		return nil, errMultipleNetworks
	}

	return params, nil
}

// loadConfig initializes and parses the config using a config file and
// command line options. Command line options override the config file,
// which overrides the defaults.
func loadConfig() (*config, []string, error) {
	d := wallet.DefaultConfig()
	cfg := config{
		ConfigFile:         defaultConfigFile,
		AppDataDir:         defaultAppDataDir,
		DBTimeout:          defaultDBTimeout,
		LogDir:             defaultLogDir,
		DebugLevel:         defaultLogLevel,
		Owner:              "default",
		ReorgDepth:         d.ReorgDepth,
		Lookahead:          waddrmgr.DefaultLookahead,
		ReservationTimeout: wtxmgr.DefaultReservationTimeout,
		SweepInterval:      d.SweepInterval,
		QueueSize:          d.QueueSize,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		preParser.WriteHelp(os.Stderr)

		return nil, nil, err
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)

			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	cfg.params, err = activeNet(&cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	cfg.AppDataDir = cleanAndExpandPath(cfg.AppDataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	netDir := filepath.Join(cfg.AppDataDir, cfg.params.Name)
	cfg.dbPath = filepath.Join(netDir, defaultDBFilename)

	// Initialize log rotation. After the log rotation has been
	// initialized, the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, cfg.params.Name,
		defaultLogFilename))

	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err = fmt.Errorf("%s: %w", "loadConfig", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)

		return nil, nil, err
	}

	if cfg.ReorgDepth < 0 {
		return nil, nil, fmt.Errorf("reorgdepth must not be negative, "+
			"got %d", cfg.ReorgDepth)
	}

	return &cfg, remainingArgs, nil
}
