package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tjfontaine/polyglot-app-runner/internal/auth"
)

func main() {
	description := flag.String("description", "Generated key", "description stored next to the hash")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: keygen [-description text] [api-key]")
		fmt.Fprintln(os.Stderr, "Hashes the given key, or a newly generated one, for use in config.yaml")
		flag.PrintDefaults()
	}
	flag.Parse()

	apiKey := flag.Arg(0)
	if apiKey == "" {
		var err error
		apiKey, err = auth.GenerateKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
			os.Exit(1)
		}
	}

	keyHash := auth.HashAPIKey(apiKey)

	fmt.Printf("API Key: %s\n", apiKey)
	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this under the app in config.yaml:")
	fmt.Printf("    api_keys:\n")
	fmt.Printf("      - key_hash: \"%s\"\n", keyHash)
	fmt.Printf("        description: %q\n", *description)
}
