package main

import (
	"context"
	"crypto/ed25519"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datafold/datafold-core/pkg/config"
	"github.com/datafold/datafold-core/pkg/coordinator"
	"github.com/datafold/datafold-core/pkg/metrics"
	"github.com/datafold/datafold-core/pkg/policy"
	"github.com/datafold/datafold-core/pkg/sigreq"
	"github.com/datafold/datafold-core/pkg/store"
)

// zeroTrust is the default TrustOracle for a single-node deployment with no
// configured trust topology: every caller is distance 0 from the anchor.
type zeroTrust struct{}

func (zeroTrust) Distance(publicKeyID string) int { return 0 }

// alwaysValidPayments is a development PaymentVerifier that accepts any
// non-empty proof. Production deployments supply their own settlement-backed
// verifier satisfying policy.PaymentVerifier.
type alwaysValidPayments struct{}

func (alwaysValidPayments) Verify(proof policy.PaymentProof, amount float64, descriptor string) (policy.PaymentResult, error) {
	if len(proof.Data) == 0 {
		return policy.PaymentBadProof, nil
	}
	return policy.PaymentOK, nil
}

func openStore(cfg *config.Config, logger *log.Logger) (store.ByteStore, error) {
	switch cfg.StoreBackend {
	case "comet":
		return store.OpenCometStore("datafold", cfg.DataDir, store.BackendGoLevelDB, logger)
	case "postgres":
		return store.OpenPostgresStore(store.PostgresConfig{
			URL:             cfg.DatabaseURL,
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		}, logger)
	default:
		return store.NewMemStore(), nil
	}
}

func main() {
	genKey := flag.Bool("gen-key", false, "generate and print a new Ed25519 keypair, then exit")
	flag.Parse()

	if *genKey {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		fmt.Print(string(pem.EncodeToMemory(&pem.Block{Type: "DATAFOLD PUBLIC KEY", Bytes: pub})))
		fmt.Print(string(pem.EncodeToMemory(&pem.Block{Type: "DATAFOLD PRIVATE KEY", Bytes: priv})))
		return
	}

	logger := log.New(os.Stdout, "[datafold] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	bs, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}

	node := coordinator.New(coordinator.Config{
		ByteStore:       bs,
		Trust:           zeroTrust{},
		Payments:        alwaysValidPayments{},
		SecurityProfile: sigreq.Profile(cfg.SecurityProfile),
		AuthorID:        cfg.NodeID,
		Logger:          logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		logger.Fatalf("start coordinator: %v", err)
	}
	if cfg.Ed25519KeyPath != "" {
		raw, err := os.ReadFile(cfg.Ed25519KeyPath)
		if err != nil {
			logger.Fatalf("read system key: %v", err)
		}
		block, _ := pem.Decode(raw)
		if block == nil || len(block.Bytes) != ed25519.PublicKeySize {
			logger.Fatalf("system key %s: not a PEM-encoded Ed25519 public key", cfg.Ed25519KeyPath)
		}
		if err := node.SetSystemKey(ed25519.PublicKey(block.Bytes)); err != nil {
			logger.Fatalf("set system key: %v", err)
		}
	}
	logger.Printf("datafold node %s ready (store=%s, profile=%s, listen=%s)", cfg.NodeID, cfg.StoreBackend, cfg.SecurityProfile, cfg.ListenAddr)

	collector := metrics.NewCollector(prometheus.DefaultRegisterer, node.Bus())
	collector.Start()
	defer collector.Stop()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Println("shutting down")
	if err := metricsSrv.Shutdown(context.Background()); err != nil {
		logger.Printf("metrics server shutdown: %v", err)
	}
	if err := node.Shutdown(); err != nil {
		logger.Fatalf("shutdown: %v", err)
	}
}
