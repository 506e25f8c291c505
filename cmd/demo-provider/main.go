// demo-provider is a minimal provider agent: it registers itself with
// the discovery service, then serves paid fulfillment requests behind an
// HTTP 402 challenge.
package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"intentcast/internal/auth"
	"intentcast/internal/logging"
	"intentcast/internal/x402"
)

type fulfillRequest struct {
	IntentID string          `json:"intentId"`
	Category string          `json:"category"`
	Input    json.RawMessage `json:"input"`
}

func main() {
	var (
		listenAddr = flag.String("listen", ":9402", "HTTP listen address")
		publicURL  = flag.String("public-url", "http://localhost:9402", "Externally reachable base URL")
		discovery  = flag.String("discovery", "", "Discovery service base URL (empty to skip registration)")
		keyHex     = flag.String("key", "", "Hex private key for the provider wallet (generated when empty)")
		agentID    = flag.String("agent", "demo-provider-1", "Agent identifier for idempotent registration")
		category   = flag.String("category", "translation", "Capability category to advertise")
		priceStr   = flag.String("price", "1.50", "Price in tokens per fulfillment")
		network    = flag.String("network", "eip155:84532", "Payment network (CAIP-2)")
		asset      = flag.String("asset", "USDC", "Payment asset symbol")
		logLevel   = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	logging.Init(*logLevel)
	logger := logging.Named("demo-provider")

	key := *keyHex
	if key == "" {
		generated, err := crypto.GenerateKey()
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		key = hex.EncodeToString(crypto.FromECDSA(generated))
		logger.Warnf("no key given, generated ephemeral wallet")
	}
	parsed, err := crypto.HexToECDSA(strings.TrimPrefix(key, "0x"))
	if err != nil {
		log.Fatalf("parse key: %v", err)
	}
	wallet := crypto.PubkeyToAddress(parsed.PublicKey).Hex()

	price, err := decimal.NewFromString(*priceStr)
	if err != nil || !price.IsPositive() {
		log.Fatalf("invalid price %q", *priceStr)
	}

	requirements := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           *network,
		MaxAmountRequired: x402.AtomicString(price, 6),
		Resource:          *publicURL + "/fulfill",
		Description:       fmt.Sprintf("%s fulfillment", *category),
		PayTo:             wallet,
		MaxTimeoutSeconds: 300,
		Asset:             *asset,
	}
	resource := x402.NewResourceServer(requirements, x402.StaticSettler{}, logging.Named("x402"))

	mux := http.NewServeMux()
	mux.Handle("POST /fulfill", resource.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req fulfillRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		logger.Infof("fulfilling intent=%s category=%s", req.IntentID, req.Category)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"intentId":    req.IntentID,
			"category":    req.Category,
			"result":      fmt.Sprintf("demo %s output for %s", req.Category, req.IntentID),
			"completedAt": time.Now().UTC(),
		})
	})))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "wallet": wallet})
	})

	if *discovery != "" {
		if err := register(*discovery, key, wallet, *agentID, *category, *publicURL, price, *network); err != nil {
			log.Fatalf("register with discovery service: %v", err)
		}
		logger.Infof("registered agent=%s wallet=%s at %s", *agentID, wallet, *discovery)
	}

	srv := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		logger.Infof("listening on %s wallet=%s price=%s %s", *listenAddr, wallet, price, *asset)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	_ = srv.Close()
}

// register performs the signed registration call against the discovery
// service, the same handshake any production agent does.
func register(baseURL, key, wallet, agentID, category, publicURL string, price decimal.Decimal, network string) error {
	body, err := json.Marshal(map[string]any{
		"agentId":      agentID,
		"name":         "Demo Provider",
		"description":  "Reference provider agent",
		"capabilities": []string{category},
		"pricing":      map[string]decimal.Decimal{category: price},
		"apiEndpoint":  publicURL,
		"x402": map[string]any{
			"network":      network,
			"scheme":       x402.SchemeExact,
			"payTo":        wallet,
			"defaultPrice": price,
		},
	})
	if err != nil {
		return err
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return err
	}
	nonce := hex.EncodeToString(nonceBytes)

	path := "/providers"
	msg := auth.Message(auth.DefaultPrefix, nonce, http.MethodPost, path)
	signature, err := auth.SignMessage(msg, key)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderWallet, wallet)
	req.Header.Set(auth.HeaderSignature, signature)
	req.Header.Set(auth.HeaderNonce, nonce)

	resp, err := (&http.Client{Timeout: 15 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("registration rejected: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return nil
}
