package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"voting-ledger/api"
	"voting-ledger/authority"
	"voting-ledger/config"
	"voting-ledger/encryption"
	"voting-ledger/models"
	"voting-ledger/service"
	"voting-ledger/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	app := &cli.App{
		Name:  "voting-ledger",
		Usage: "anonymous voting on an append-only ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML config file", EnvVars: []string{"VOTING_CONFIG"}},
			&cli.StringFlag{Name: "data-dir", Usage: "directory for chain, keys and registry"},
			&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error"},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the authority and the ledger over HTTP",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Usage: "listen address"},
					&cli.StringFlag{Name: "storage", Usage: "json, leveldb or memory"},
					&cli.IntFlag{Name: "batch-size", Usage: "votes sealed per block"},
					&cli.BoolFlag{Name: "start", Usage: "open the election on startup"},
					&cli.DurationFlag{Name: "duration", Usage: "voting window when started with --start"},
				},
				Action: serve,
			},
			{
				Name:  "keygen",
				Usage: "generate authority and admin keys",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "bits", Usage: "RSA modulus size"},
					&cli.BoolFlag{Name: "force", Usage: "overwrite an existing key file"},
				},
				Action: keygen,
			},
			{
				Name:   "verify",
				Usage:  "verify the stored chain and tally it",
				Action: verify,
			},
			{
				Name:  "vote",
				Usage: "cast an anonymous vote against a running server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server", Value: "http://localhost:8080", Usage: "server base URL"},
					&cli.StringFlag{Name: "voter", Required: true, Usage: "voter id used as credential"},
					&cli.StringFlag{Name: "candidate", Required: true, Usage: "candidate id"},
					&cli.StringFlag{Name: "hash", Value: encryption.HashSHA256, Usage: "hash algorithm of the server"},
					&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second},
				},
				Action: vote,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

// loadConfig reads the config file and applies global and command flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("data-dir") {
		cfg.DataDir = c.String("data-dir")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("listen") {
		cfg.ListenAddr = c.String("listen")
	}
	if c.IsSet("storage") {
		cfg.Storage = c.String("storage")
	}
	if c.IsSet("batch-size") {
		cfg.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("duration") {
		cfg.Duration = config.Duration{Duration: c.Duration("duration")}
	}
	if c.IsSet("bits") {
		cfg.KeyBits = c.Int("bits")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyLogLevel(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	defer n.close()

	if c.Bool("start") && n.voting.Session().State == service.ElectionPending {
		var endsAt time.Time
		if cfg.Duration.Duration > 0 {
			endsAt = time.Now().Add(cfg.Duration.Duration)
		}
		if _, err := n.voting.StartElection(endsAt); err != nil {
			return err
		}
	}

	n.queue.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverChan := make(chan error, 1)
	go func() {
		serverChan <- n.server.Start(cfg.ListenAddr)
	}()

	select {
	case err := <-serverChan:
		return err
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.server.Shutdown(ctx)
}

func keygen(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	path := cfg.KeyPath()
	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return cli.Exit(fmt.Sprintf("%s exists, use --force to replace it", path), 1)
	}

	keys, err := authority.GenerateKeys(nil, cfg.KeyBits)
	if err != nil {
		return err
	}
	if err := authority.SaveKeys(path, keys); err != nil {
		return err
	}
	fmt.Printf("keys written to %s\nadmin address: %s\nmodulus bits: %d\n",
		path, keys.Admin.Address().Hex(), keys.Blind.Public.N.BitLen())
	return nil
}

type verifyReport struct {
	Chain  models.VerificationResult `json:"chain"`
	Tally  *service.Results          `json:"tally,omitempty"`
	Issued *service.VoteVerification `json:"issued,omitempty"`
}

// verify reads the store directly so a broken chain is reported rather than
// refused.
func verify(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	hash, err := cfg.HashFunc()
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Storage, cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	blocks, err := store.LoadBlocks()
	if err != nil {
		return err
	}
	report := verifyReport{Chain: models.ValidateChain(hash, blocks)}

	keys, err := authority.LoadKeys(cfg.KeyPath())
	switch {
	case err == nil:
		counter := service.NewVoteCounter(hash, &keys.Blind.Public, keys.Admin.Address(), nil)
		report.Tally = counter.Count(blocks)
		if issued, err := authority.NewIssuanceLog(cfg.IssuedPath()); err == nil {
			report.Issued = service.VerifyVoteCount(report.Tally, issued.Len())
		}
	case xerrors.Is(err, os.ErrNotExist):
		log.Warn().Str("path", cfg.KeyPath()).Msg("no key file, skipping tally")
	default:
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !report.Chain.Valid {
		return cli.Exit("chain verification failed", 2)
	}
	return nil
}

func vote(c *cli.Context) error {
	if c.IsSet("log-level") {
		level, err := zerolog.ParseLevel(c.String("log-level"))
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
	}

	hash, err := encryption.HashFuncByName(c.String("hash"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	client := api.NewClient(c.String("server"), nil)
	voter := service.NewAnonymousVoter(hash, client, client)
	res, err := voter.CastVote(ctx, c.String("voter"), c.String("candidate"))
	if res != nil {
		out, merr := json.MarshalIndent(res, "", "  ")
		if merr == nil {
			fmt.Println(string(out))
		}
	}
	return err
}
