package main

import (
	"bytes"
	"encoding/hex"
	"flag"
	"fmt"
	"log"

	"github.com/c2FmZQ/tpmbox"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	transportFlag := flag.String("transport", "", "TPM transport descriptor, e.g. device:/dev/tpmrm0 or mssim:host=localhost,port=2321")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	viper.SetEnvPrefix("tpmbox")
	viper.SetDefault("transport", "simulator:")
	if err := viper.BindEnv("transport"); err != nil {
		log.Fatalf("viper.BindEnv: %v", err)
	}
	if *transportFlag != "" {
		viper.Set("transport", *transportFlag)
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			log.Fatalf("zap.NewDevelopment: %v", err)
		}
		logger = l
	}
	defer logger.Sync()

	payload := []byte("Hello world!")
	if flag.NArg() > 0 {
		payload = []byte(flag.Arg(0))
	}

	box, err := tpmbox.New(viper.GetString("transport"), tpmbox.WithLogger(logger))
	if err != nil {
		log.Fatalf("tpmbox.New: %v", err)
	}
	defer box.Close()

	encrypted, err := box.Encrypt(payload)
	if err != nil {
		log.Fatalf("box.Encrypt: %v", err)
	}
	decrypted, err := box.Decrypt(encrypted)
	if err != nil {
		log.Fatalf("box.Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, payload) {
		log.Fatalf("round trip failed: got %q, want %q", decrypted, payload)
	}
	fmt.Println(hex.EncodeToString(encrypted))
}
