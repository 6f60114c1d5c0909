// Command cardctl provisions and diagnoses cards against the
// carddriver.Driver interface: init writes a fresh card_secret, format
// wipes one, and diag runs the driver's self tests. Adapted from the
// teacher's ro/reset/permissionsedit tools, which perform the
// equivalent raw APDU operations directly against pkg/ntag424.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/cardvault/cardvault/internal/carddriver"
	"github.com/cardvault/cardvault/internal/carddriver/emulator"
	"github.com/cardvault/cardvault/pkg/ntag424"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	useEmulator := flag.Bool("emulator", false, "use the in-memory card emulator instead of a real reader")
	readerIndex := flag.Int("reader", 0, "PC/SC reader index")
	readKeyHex := flag.String("read-key", "", "16-byte card read key, hex-encoded (required for init/format)")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	cmd := flag.Arg(0)
	if cmd == "" {
		fmt.Fprintln(os.Stderr, "usage: cardctl [-emulator] [-reader N] [-read-key HEX] <init|format|diag>")
		os.Exit(2)
	}

	driver, closeDriver, err := buildDriver(*useEmulator, *readerIndex)
	if err != nil {
		log.Fatalf("open card driver failed: %v", err)
	}
	defer closeDriver()

	ctx := context.Background()

	switch cmd {
	case "init":
		readKey, err := parseReadKey(*readKeyHex)
		if err != nil {
			log.Fatalf("%v", err)
		}
		runInit(ctx, driver, readKey)
	case "format":
		currentKey, err := parseReadKey(*readKeyHex)
		if err != nil {
			log.Fatalf("%v", err)
		}
		runFormat(ctx, driver, currentKey)
	case "diag":
		runDiag(ctx, driver)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
}

func buildDriver(useEmulator bool, readerIndex int) (carddriver.Driver, func(), error) {
	if useEmulator {
		uid := make([]byte, 7)
		if _, err := rand.Read(uid); err != nil {
			return nil, nil, err
		}
		return emulator.New(uid), func() {}, nil
	}

	conn, err := ntag424.Connect(readerIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("cardctl: connect reader: %w", err)
	}
	return carddriver.NewNTAG424Driver(conn), func() { conn.Close() }, nil
}

func parseReadKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("cardctl: -read-key is required for this command")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("cardctl: invalid -read-key: %w", err)
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("cardctl: -read-key must decode to 16 bytes, got %d", len(key))
	}
	return key, nil
}

func runInit(ctx context.Context, driver carddriver.Driver, readKey []byte) {
	uid, ok, err := driver.PeekUID(ctx)
	if err != nil {
		log.Fatalf("peek uid failed: %v", err)
	}
	if !ok {
		log.Fatal("no card present")
	}
	fmt.Printf("Card UID: %s\n", hex.EncodeToString(uid))

	initialised, err := driver.IsInitialised(ctx)
	if err != nil {
		log.Fatalf("check initialised failed: %v", err)
	}
	if initialised {
		log.Fatal("card is already initialised; run format first")
	}

	if err := driver.Init(ctx, readKey); err != nil {
		log.Fatalf("init failed: %v", err)
	}
	fmt.Println("Card initialised: card_secret provisioned and file access restricted to the supplied read key.")
}

func runFormat(ctx context.Context, driver carddriver.Driver, currentKey []byte) {
	if err := driver.Format(ctx, currentKey); err != nil {
		log.Fatalf("format failed: %v", err)
	}
	fmt.Println("Card formatted: card_secret destroyed, access rights restored to factory defaults.")
}

func runDiag(ctx context.Context, driver carddriver.Driver) {
	uid, ok, err := driver.PeekUID(ctx)
	if err != nil {
		log.Fatalf("peek uid failed: %v", err)
	}
	if !ok {
		log.Fatal("no card present")
	}
	fmt.Printf("UID: %s\n", hex.EncodeToString(uid))

	version, err := driver.FirmwareVersion(ctx)
	if err != nil {
		fmt.Printf("Firmware version: error: %v\n", err)
	} else {
		fmt.Printf("Firmware version: %s\n", version)
	}

	initialised, err := driver.IsInitialised(ctx)
	if err != nil {
		fmt.Printf("Initialised: error: %v\n", err)
	} else {
		fmt.Printf("Initialised: %v\n", initialised)
	}

	if err := driver.RunSelfTests(ctx); err != nil {
		fmt.Printf("Self test: FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Self test: PASS")
}
