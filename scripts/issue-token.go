package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rollcall/ble-attendance/internal/auth"
)

const defaultTTL = 24 * time.Hour

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: JWT_SECRET=... go run scripts/issue-token.go <user-id> [name] [ttl]\n")
		os.Exit(1)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-change-me"
	}
	issuerName := os.Getenv("JWT_ISSUER")
	if issuerName == "" {
		issuerName = "rollcall"
	}

	userID := os.Args[1]
	name := ""
	if len(os.Args) > 2 {
		name = os.Args[2]
	}
	ttl := defaultTTL
	if len(os.Args) > 3 {
		parsed, err := time.ParseDuration(os.Args[3])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid ttl: %v\n", err)
			os.Exit(1)
		}
		ttl = parsed
	}

	issuer, err := auth.NewIssuer(secret, issuerName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	signed, err := issuer.Generate(userID, name, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(signed)
}
