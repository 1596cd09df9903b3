package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/tensorplex-labs/arena/internal/channel"
	"github.com/tensorplex-labs/arena/pkg/signature"
)

// Signs the channel message for a request body, or verifies a signed message.
//
//	signature -coldkey c -hotkey h -receiver <ss58> -body payload.json
//	signature -verify -message <x-message> -sig <x-signature> -address <ss58>
func main() {
	dir := flag.String("dir", signature.DefaultBittensorDir, "bittensor directory")
	coldkey := flag.String("coldkey", "", "wallet coldkey name")
	hotkey := flag.String("hotkey", "", "wallet hotkey name")
	receiver := flag.String("receiver", "", "receiver ss58 address")
	bodyPath := flag.String("body", "", "request body file, empty for no body")

	verify := flag.Bool("verify", false, "verify instead of sign")
	message := flag.String("message", "", "signed message")
	sig := flag.String("sig", "", "0x-prefixed signature")
	address := flag.String("address", "", "signer ss58 address")
	flag.Parse()

	if *verify {
		ok, err := signature.Verify([]byte(*message), *sig, *address)
		if err != nil {
			log.Fatalf("Failed to verify signature: %v", err)
		}
		log.Println("Signature valid:", ok)
		return
	}

	keypair, err := signature.LoadKeypairFromHotkey(*dir, *coldkey, *hotkey)
	if err != nil {
		log.Fatalf("Failed to load keypair: %v", err)
	}
	provider, err := signature.NewProvider(keypair)
	if err != nil {
		log.Fatalf("Failed to create signature provider: %v", err)
	}

	var body []byte
	if *bodyPath != "" {
		if body, err = os.ReadFile(*bodyPath); err != nil {
			log.Fatalf("Failed to read body: %v", err)
		}
	}

	msg := channel.Message(time.Now().UnixNano(), provider.Hotkey(), *receiver, body)
	s, err := provider.Sign([]byte(msg))
	if err != nil {
		log.Fatalf("Failed to sign message: %v", err)
	}
	log.Printf("%s: %s", channel.HotkeyHeader, provider.Hotkey())
	log.Printf("%s: %s", channel.MessageHeader, msg)
	log.Printf("%s: %s", channel.SignatureHeader, s)
}
