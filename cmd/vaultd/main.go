// Command vaultd is the host daemon (spec.md §2): it owns the local
// store, the card-gated executor, the Vault API, the NDJSON bridge the
// browser extension companion talks to, and the sync client's
// background push/pull loop.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cardvault/cardvault/internal/bridge"
	"github.com/cardvault/cardvault/internal/carddriver"
	"github.com/cardvault/cardvault/internal/carddriver/emulator"
	"github.com/cardvault/cardvault/internal/config"
	"github.com/cardvault/cardvault/internal/executor"
	"github.com/cardvault/cardvault/internal/kdf"
	"github.com/cardvault/cardvault/internal/secret"
	"github.com/cardvault/cardvault/internal/store"
	"github.com/cardvault/cardvault/internal/syncclient"
	"github.com/cardvault/cardvault/internal/vault"
	"github.com/cardvault/cardvault/pkg/ntag424"
)

func main() {
	configPath := flag.String("config", "vaultd.yaml", "path to the vaultd config file")
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "", "log format: text or json (overrides config)")
	useEmulator := flag.Bool("emulator", false, "use the in-memory card emulator instead of a real reader")
	readerIndex := flag.Int("reader", 0, "PC/SC reader index")
	bootstrap := flag.Bool("bootstrap", false, "generate a fresh root key sealed under a new passphrase and exit")
	flag.Parse()

	cfg, err := config.LoadVaultConfig(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	format := cfg.LogFormat
	if *logFormat != "" {
		format = *logFormat
	}
	setupLogging(*verbose, format)

	envelopePath := cfg.StorePath + ".envelope.json"
	if *bootstrap {
		if err := runBootstrap(envelopePath); err != nil {
			log.Fatalf("bootstrap failed: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	passphrase, err := readPassphrase("VAULTD_PASSPHRASE")
	if err != nil {
		log.Fatalf("read passphrase: %v", err)
	}

	rootKey, err := unlockRootKey(envelopePath, passphrase)
	if err != nil {
		log.Fatalf("unlock root key failed: %v", err)
	}
	keyContainer := secret.New()
	if err := keyContainer.Set(rootKey); err != nil {
		log.Fatalf("install root key failed: %v", err)
	}
	kdf.Zero(rootKey)
	defer keyContainer.Clear()

	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		log.Fatalf("open store failed: %v", err)
	}
	defer st.Close()

	driver, closeDriver, err := buildDriver(*useEmulator, *readerIndex)
	if err != nil {
		log.Fatalf("open card driver failed: %v", err)
	}
	defer closeDriver()

	exec := executor.New(driver, keyContainer)
	v := vault.New(st, exec)

	socketPath := cfg.BridgeSocket
	if socketPath == "" {
		socketPath = bridge.RuntimeSocketPath("vaultd")
	}
	srv := bridge.New(v, socketPath, slog.Default())
	if err := srv.Listen(); err != nil {
		log.Fatalf("bridge listen failed: %v", err)
	}
	slog.Info("bridge listening", "socket", srv.SocketPath())

	go func() {
		if err := srv.Serve(ctx); err != nil {
			slog.Error("bridge serve exited", "err", err)
		}
	}()

	if cfg.SyncBaseURL != "" {
		go runSyncLoop(ctx, st, cfg)
	}

	<-ctx.Done()
	slog.Info("shutting down")
	_ = srv.Close()
}

func setupLogging(verbose bool, format string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}
}

// buildDriver constructs the card driver for this run: the in-memory
// emulator when useEmulator is set, otherwise a real NTAG424Driver over
// the given PC/SC reader index.
func buildDriver(useEmulator bool, readerIndex int) (carddriver.Driver, func(), error) {
	if useEmulator {
		uid := make([]byte, 7)
		if _, err := rand.Read(uid); err != nil {
			return nil, nil, err
		}
		d := emulator.New(uid)
		readKey := make([]byte, 16)
		if err := d.Init(context.Background(), readKey); err != nil {
			return nil, nil, err
		}
		return d, func() {}, nil
	}

	conn, err := ntag424.Connect(readerIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("vaultd: connect reader: %w", err)
	}
	return carddriver.NewNTAG424Driver(conn), func() { conn.Close() }, nil
}

func runSyncLoop(ctx context.Context, st *store.Store, cfg *config.VaultConfig) {
	keyring, err := syncclient.NewFileKeyring(cfg.SessionPath, localMachineKey(cfg.SessionPath+".key"))
	if err != nil {
		slog.Error("sync keyring init failed", "err", err)
		return
	}
	client := syncclient.New(st, keyring)
	if err := client.SetConfig(cfg.SyncBaseURL, "", ""); err != nil {
		slog.Error("sync configure failed", "err", err)
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		if err := client.RunFullSync(ctx); err != nil {
			slog.Warn("sync run failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// localMachineKey loads the 32-byte key protecting the on-disk session
// keyring, generating and persisting one on first run.
func localMachineKey(path string) []byte {
	if raw, err := os.ReadFile(path); err == nil && len(raw) == 32 {
		return raw
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatalf("generate machine key: %v", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		log.Fatalf("persist machine key: %v", err)
	}
	return key
}

// envelopeFile is the on-disk JSON form of kdf.Envelope cached next to
// the local store, so the daemon can unlock without network access once
// a passphrase has sealed a root key locally.
type envelopeFile struct {
	KeyVersion int              `json:"keyVersion"`
	KDF        string           `json:"kdf"`
	Params     kdf.ScryptParams `json:"params"`
	Salt       []byte           `json:"salt"`
	Nonce      []byte           `json:"nonce"`
	Ciphertext []byte           `json:"ciphertext"`
	AuthTag    []byte           `json:"authTag"`
}

func runBootstrap(envelopePath string) error {
	if _, err := os.Stat(envelopePath); err == nil {
		return fmt.Errorf("vaultd: %s already exists, refusing to overwrite", envelopePath)
	}

	passphrase, err := readPassphrase("")
	if err != nil {
		return err
	}
	rootKey := make([]byte, kdf.RootKeySize)
	if _, err := rand.Read(rootKey); err != nil {
		return err
	}
	defer kdf.Zero(rootKey)

	env, err := kdf.SealEnvelope(passphrase, rootKey)
	if err != nil {
		return err
	}
	if err := saveEnvelope(envelopePath, env); err != nil {
		return err
	}
	fmt.Printf("New vault sealed at %s\n", envelopePath)
	return nil
}

func unlockRootKey(envelopePath, passphrase string) ([]byte, error) {
	env, err := loadEnvelope(envelopePath)
	if err != nil {
		return nil, err
	}
	return kdf.OpenEnvelope(passphrase, env)
}

func saveEnvelope(path string, env *kdf.Envelope) error {
	f := envelopeFile{
		KeyVersion: env.KeyVersion, KDF: env.KDF, Params: env.Params,
		Salt: env.Salt, Nonce: env.Nonce, Ciphertext: env.Ciphertext, AuthTag: env.AuthTag,
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

func loadEnvelope(path string) (*kdf.Envelope, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vaultd: read envelope %s (run -bootstrap first): %w", path, err)
	}
	var f envelopeFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("vaultd: parse envelope: %w", err)
	}
	return &kdf.Envelope{
		KeyVersion: f.KeyVersion, KDF: f.KDF, Params: f.Params,
		Salt: f.Salt, Nonce: f.Nonce, Ciphertext: f.Ciphertext, AuthTag: f.AuthTag,
	}, nil
}

// readPassphrase reads from envVar if set, else prompts on stdin.
func readPassphrase(envVar string) (string, error) {
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return v, nil
		}
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if line == "" {
		return "", fmt.Errorf("vaultd: empty passphrase")
	}
	return line, nil
}
