package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentmarket/paynet/paynet"
	"github.com/agentmarket/paynet/paynet/config"
	"github.com/agentmarket/paynet/paynet/db"
	"github.com/agentmarket/paynet/paynet/db/leveldb"
	"github.com/agentmarket/paynet/paynet/db/mysql"
	"github.com/agentmarket/paynet/paynet/db/redis"
	"github.com/agentmarket/paynet/paynet/events"
	"github.com/agentmarket/paynet/paynet/metrics"
	"github.com/agentmarket/paynet/paynet/settlement"
	"github.com/agentmarket/paynet/paynet/wallet"
	"github.com/agentmarket/paynet/pkg/log"
	"github.com/agentmarket/paynet/pkg/payments"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var ConfigPath = flag.String("config", "paynet-config.json", "config file path, generated when not exists")
var Debug = flag.Bool("debug", false, "debug logs")
var NoCLI = flag.Bool("no-cli", false, "disable interactive commands on stdin")

func main() {
	flag.Parse()

	log.SetLogger(log.NewLogger(zerolog.InfoLevel, nil))

	cfg, err := config.LoadConfig(*ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
		return
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.Log.Level).Msg("incorrect log level")
		return
	}
	if *Debug {
		level = zerolog.DebugLevel
	}
	log.SetLogger(log.NewLogger(level, &log.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}))

	signer, err := wallet.EthSignerFromHex(cfg.SenderPrivateKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load sender key")
		return
	}
	log.Info().Str("address", signer.Address()).Msg("sender wallet loaded")

	minDeposit, err := cfg.MinDeposit()
	if err != nil {
		log.Fatal().Err(err).Msg("incorrect channels config")
		return
	}

	ctx := context.Background()

	settle, token, closeSettlement, err := prepareSettlement(ctx, cfg, signer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init settlement")
		return
	}
	defer closeSettlement()

	storage, err := prepareStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init storage")
		return
	}
	store := db.NewDB(storage)
	defer store.Close()

	var archive payments.Archive = store
	if cfg.Storage.ArchiveMySQLDSN != "" {
		a, err := mysql.NewArchive(ctx, cfg.Storage.ArchiveMySQLDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init mysql archive")
			return
		}
		defer a.Close()
		archive = a
	}

	if cfg.Metrics.ListenAddr != "" {
		metrics.RegisterMetrics(cfg.Metrics.Namespace)

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("starting metrics server")
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
				log.Fatal().Err(err).Msg("failed to start metrics server")
			}
		}()
	}

	manager, err := paynet.NewManager(paynet.Dependencies{
		Signer:      signer,
		Settlement:  settle,
		Persistence: db.NewPersister(store, cfg.AutoSaveInterval()),
		Archive:     archive,
	}, paynet.ManagerConfig{
		Network:           cfg.Settlement.Network,
		Token:             token,
		DepositMultiplier: cfg.Channels.DepositMultiplier,
		MinDeposit:        minDeposit,
		ChannelDuration:   cfg.ChannelDuration(),
		ArchiveKeep:       cfg.Channels.ArchiveKeep,
		WorkerInterval:    cfg.ArchiveInterval(),
		UseMetrics:        metrics.Registered,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init manager")
		return
	}

	dispatchers, err := prepareEvents(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init event publishers")
		return
	}
	for _, d := range dispatchers {
		manager.Subscribe(d.Enqueue)
		d.Start()
	}

	if err = manager.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to restore channels")
		return
	}
	manager.Start()

	log.Info().Str("network", cfg.Settlement.Network).Str("settlement", cfg.Settlement.Type).
		Int("channels", len(manager.ListChannels())).Msg("payment node started")

	if !*NoCLI {
		go commandLoop(manager, cfg.Token)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err = manager.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("failed to flush channels on shutdown")
	}
	for _, d := range dispatchers {
		if err = d.Stop(shutCtx); err != nil {
			log.Warn().Err(err).Msg("failed to stop event dispatcher")
		}
	}
}

func prepareSettlement(ctx context.Context, cfg *config.Config, signer *wallet.EthSigner) (payments.Settlement, string, func(), error) {
	switch cfg.Settlement.Type {
	case "simulated":
		return settlement.NewSimulated(cfg.DisputeWindow()), cfg.Token.Address, func() {}, nil
	case "evm":
		networks, err := config.LoadNetworks(cfg.Settlement.NetworksFile)
		if err != nil {
			return nil, "", nil, err
		}

		net, err := networks.Get(cfg.Settlement.Network)
		if err != nil {
			return nil, "", nil, err
		}

		e, closer, err := settlement.DialEVM(ctx, net.RPCURL, signer.PrivateKey(), settlement.EVMConfig{
			Contract:      net.ChannelContract,
			GasLimit:      cfg.Settlement.GasLimit,
			DisputeWindow: cfg.DisputeWindow(),
		})
		if err != nil {
			return nil, "", nil, err
		}

		token := cfg.Token.Address
		if net.Token != "" {
			token = net.Token
		}
		return e, token, closer, nil
	}
	return nil, "", nil, fmt.Errorf("unknown settlement type %q", cfg.Settlement.Type)
}

func prepareStorage(ctx context.Context, cfg *config.Config) (db.Storage, error) {
	switch cfg.Storage.Type {
	case "leveldb":
		st, isNew, err := leveldb.NewDB(cfg.Storage.DBPath)
		if err != nil {
			return nil, err
		}
		if isNew {
			log.Info().Str("path", cfg.Storage.DBPath).Msg("new database created")
		}
		return st, nil
	case "redis":
		return redis.NewDB(ctx, redis.Config{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			Namespace: cfg.Storage.Redis.Namespace,
		})
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
}

func prepareEvents(cfg *config.Config) ([]*events.Dispatcher, error) {
	var list []*events.Dispatcher

	if cfg.Events.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(events.AMQPConfig{
			URL:      cfg.Events.AMQPURL,
			Exchange: cfg.Events.Exchange,
		})
		if err != nil {
			return nil, err
		}
		list = append(list, events.NewDispatcher(pub, 0))
	}

	if cfg.Events.WebhookURL != "" {
		key, err := hex.DecodeString(cfg.Events.WebhookKey)
		if err != nil {
			return nil, fmt.Errorf("incorrect webhook key: %w", err)
		}
		list = append(list, events.NewDispatcher(events.NewWebhookPublisher(cfg.Events.WebhookURL, key), 0))
	}
	return list, nil
}

func commandLoop(manager *paynet.Manager, token config.Token) {
	for {
		var cmd string
		if _, err := fmt.Scanln(&cmd); errors.Is(err, io.EOF) {
			log.Info().Msg("stdin closed, interactive commands disabled")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		switch cmd {
		case "pay":
			println("Recipient:")
			var recipient string
			fmt.Scanln(&recipient)

			println("Amount:")
			var strAmt string
			fmt.Scanln(&strAmt)

			amt, err := token.ParseAmount(strAmt)
			if err != nil {
				println("incorrect format of amount:", err.Error())
				break
			}

			println("Resource:")
			var resource string
			fmt.Scanln(&resource)

			p, err := manager.Pay(ctx, recipient, amt, resource)
			if err != nil {
				println("failed to pay:", err.Error())
				break
			}
			println("PAID", token.Display(p.Amount), "channel", p.ChannelID, "seqno", p.Sequence,
				"total", token.Display(p.CumulativeAmount))
		case "close", "force-close":
			println("Channel id:")
			var id string
			fmt.Scanln(&id)

			var amt uint64
			var err error
			if cmd == "close" {
				amt, err = manager.Close(ctx, id)
			} else {
				amt, err = manager.ForceClose(ctx, id)
			}
			if err != nil {
				println("failed to close channel:", err.Error())
				break
			}
			println("CHANNEL CLOSE SUBMITTED, final amount", token.Display(amt))
		case "close-all":
			for _, r := range manager.CloseAll(ctx) {
				if r.Err != nil {
					println(r.ChannelID, "FAILED:", r.Err.Error())
					continue
				}
				println(r.ChannelID, "CLOSED:", token.Display(r.Amount))
			}
		case "list":
			for _, ch := range manager.ListChannels() {
				println(ch.ID, string(ch.State), ch.Recipient, "spent", token.Display(ch.Spent),
					"of", token.Display(ch.Deposit), "payments", ch.PaymentCount)
			}
		case "capacity":
			c := manager.GetTotalCapacity()
			println("channels:", c.Channels, "deposit:", token.Display(c.Deposit),
				"spent:", token.Display(c.Spent), "remaining:", token.Display(c.Remaining))
		case "history":
			println("Channel id:")
			var id string
			fmt.Scanln(&id)

			list, err := manager.PaymentHistory(ctx, id)
			if err != nil {
				println("failed to get history:", err.Error())
				break
			}
			for _, p := range list {
				println(p.Sequence, p.Timestamp.Format(time.RFC3339), p.Resource, token.Display(p.Amount))
			}
		case "proof":
			println("Channel id:")
			var id string
			fmt.Scanln(&id)

			ch, err := manager.GetChannel(id)
			if err != nil {
				println(err.Error())
				break
			}

			proof := ch.SettlementProof()
			if proof.Latest == nil {
				println("no payments in channel")
				break
			}
			println("seqno:", proof.Latest.Sequence, "total:", token.Display(proof.TotalSpent),
				"signature:", hex.EncodeToString(proof.Signature))
		case "":
		default:
			println("unknown command, available: pay, close, force-close, close-all, list, capacity, history, proof")
		}
		cancel()
	}
}
