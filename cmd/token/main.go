// Command token mints an admin bearer token for ipsetd's /-/ endpoints.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/3xpluto/go-ipset/internal/mw"
)

func main() {
	var secret string
	var sub string
	var ttl time.Duration
	flag.StringVar(&secret, "secret", os.Getenv("IPSETD_ADMIN_SECRET"), "HS256 secret (default $IPSETD_ADMIN_SECRET)")
	flag.StringVar(&sub, "sub", "ops", "subject claim")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if secret == "" {
		fmt.Fprintln(os.Stderr, "token: -secret or IPSETD_ADMIN_SECRET is required")
		os.Exit(2)
	}

	claims := jwt.MapClaims{
		"sub":   sub,
		"scope": mw.AdminScope,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	fmt.Println(s)
}
